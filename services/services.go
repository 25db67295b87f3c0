// Package services provides Managers for the eTiKeT services shipped with
// the qharbor tooling.
package services

import (
	"github.com/axondata/go-nativesvc"
)

const (
	// Vendor namespaces the launchd labels and data directory of these services
	Vendor = "qharbor"

	// SyncAgentName is the native service name of the sync agent
	SyncAgentName = "etiket_sync_agent"

	// SyncAPIName is the native service name of the sync API
	SyncAPIName = "etiket_sync_api"
)

// Config returns the descriptor of a predefined service. Its AppDir
// defaults to <data dir>/qharbor/<name>.
func Config(name string) nativesvc.Config {
	return nativesvc.Config{Name: name, Vendor: Vendor}
}

// SyncAgent returns the Manager of the sync agent on this host
func SyncAgent(opts ...nativesvc.Option) (*nativesvc.Manager, error) {
	return nativesvc.New(Config(SyncAgentName), opts...)
}

// SyncAPI returns the Manager of the sync API on this host
func SyncAPI(opts ...nativesvc.Option) (*nativesvc.Manager, error) {
	return nativesvc.New(Config(SyncAPIName), opts...)
}
