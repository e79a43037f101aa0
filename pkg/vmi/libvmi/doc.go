// Package libvmi implements vmi.Introspection on top of libvmi. The backend
// is compiled with the "libvmi" build tag and registers itself as "libvmi":
//
//	go build -tags libvmi ./cmd/vmicore
//
// libvmi and its headers must be installed and found by pkg-config.
package libvmi
