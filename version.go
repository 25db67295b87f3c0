package nativesvc

// LibraryVersion is the current version of the go-nativesvc library
const LibraryVersion = "0.2.0"

// VersionInfo contains detailed version information
type VersionInfo struct {
	// Version is the semantic version of the library
	Version string
	// Facilities lists the native service facilities this build can drive
	Facilities []string
}

// GetVersion returns the current version information
func GetVersion() VersionInfo {
	return VersionInfo{
		Version: LibraryVersion,
		Facilities: []string{
			PlatformSystemd.String(),
			PlatformLaunchd.String(),
			PlatformTaskScheduler.String(),
		},
	}
}
