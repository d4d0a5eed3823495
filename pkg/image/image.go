// Package image resolves release URLs into validated, cached, decompressed
// disk images and classifies them by target hardware.
package image

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Type tags the hardware an image boots on.
type Type string

const (
	// TypePhysicalDevice is a compressed SD-card image for a real board.
	TypePhysicalDevice Type = "physical-device"

	// TypeVirtualMachine is a qcow2 disk image for a libvirt guest.
	TypeVirtualMachine Type = "virtual-machine"
)

// ErrUnknownImageType is returned for filenames that match neither the
// physical-device nor the virtual-machine suffix.
var ErrUnknownImageType = errors.New("unknown image type")

// Info is the resolved identity of a downloadable artifact. Derived once
// per URL; immutable.
type Info struct {
	URL          string
	Filename     string
	ExpectedName string
	Type         Type
}

// FromURL classifies an artifact by its filename suffix. Pure: the same URL
// always yields the same Info.
func FromURL(rawURL string) (*Info, error) {
	filename := path.Base(rawURL)

	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		filename = path.Base(u.Path)
	}

	info := &Info{
		URL:      rawURL,
		Filename: filename,
	}

	switch {
	case strings.HasSuffix(filename, ".img.xz"):
		info.Type = TypePhysicalDevice
		info.ExpectedName = strings.TrimSuffix(filename, ".xz")
	case strings.HasSuffix(filename, ".qcow2.xz"):
		info.Type = TypeVirtualMachine
		info.ExpectedName = strings.TrimSuffix(filename, ".xz")
	case strings.HasSuffix(filename, ".qcow2"):
		info.Type = TypeVirtualMachine
		info.ExpectedName = filename
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownImageType, filename)
	}

	return info, nil
}

// Compressed reports whether the artifact needs decompression before use.
func (i *Info) Compressed() bool {
	return strings.HasSuffix(i.Filename, ".xz")
}
