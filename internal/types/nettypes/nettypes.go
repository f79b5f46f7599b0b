// Package nettypes registers the network address types (inet, cidr, macaddr) into an
// engine type registry. It is installed as a types.Module.
package nettypes

import (
	"github.com/markb/pljs/internal/types"
)

var netTypes = []struct {
	name string
	len  int16
}{
	{"inet", -1},
	{"cidr", -1},
	{"macaddr", 6},
	{"_inet", -1},
	{"_cidr", -1},
}

// Register adds the network types to r.
func Register(r *types.Registry) error {
	for _, nt := range netTypes {
		if err := r.RegisterCodec(nt.name, nt.len); err != nil {
			return err
		}
	}
	return nil
}

var _ types.Module = Register
