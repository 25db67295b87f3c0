// Package sysproc holds the few process attributes that differ per OS:
// hiding console windows on Windows and detaching children elsewhere.
package sysproc
