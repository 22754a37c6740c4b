// Package meta holds build metadata
package meta

// Version is the crunchwatch release version
const Version = "0.1.0"
