package tta

import (
	"github.com/gomlx/gotta/machine"
	"github.com/gomlx/gotta/memregion"
	"k8s.io/klog/v2"
)

// RoleIDs are the numerical ids tagging the semantic roles of the address spaces in the machine description.
type RoleIDs struct {
	Private, Global, Local, Constant int
}

// DefaultRoleIDs are the ids used by the TCE toolchain.
var DefaultRoleIDs = RoleIDs{Private: 0, Global: 3, Local: 4, Constant: 5}

// Reservations are the bytes at the start of the address spaces left unallocated: they hold the device program
// data (stack, static data) and the command slot header.
type Reservations struct {
	// Local is reserved at the start of the local address space when it is also the private one.
	Local uint32

	// Global is reserved at the start of the global address space, before the command slot.
	Global uint32
}

// DefaultReservations used by the device main program.
var DefaultReservations = Reservations{Local: 1024, Global: 2048}

// memoryLayout is the result of binding the address spaces of a machine description.
type memoryLayout struct {
	local, private, global *machine.AddressSpace

	// localSize and globalSize are the sizes net of the reservations. The global region is further reduced
	// by the command slot.
	localSize, globalSize uint32

	localMem, globalMem *memregion.Region

	// commandSlot is the device address of the ExecutionCommand slot.
	commandSlot uint32
}

// findRole returns the only address space tagged with all of the given ids.
func findRole(desc *machine.Description, role string, ids ...int) (*machine.AddressSpace, error) {
	var found *machine.AddressSpace
	for _, as := range desc.AddressSpaces {
		hasAll := true
		for _, id := range ids {
			if !as.HasNumericalID(id) {
				hasAll = false
				break
			}
		}
		if !hasAll {
			continue
		}
		if found != nil {
			return nil, newFatalf(ErrConfiguration, "machine %q: more than one address space for the %s role (ids %v): %q and %q",
				desc.Name, role, ids, found.Name, as.Name)
		}
		found = as
	}
	if found == nil {
		return nil, newFatalf(ErrConfiguration, "machine %q: no address space for the %s role (ids %v)", desc.Name, role, ids)
	}
	return found, nil
}

// configureAddressSpaces binds the local, private and global address spaces of the machine, validates their
// sharing flags and computes the memory regions available for allocations.
//
// All errors are *FatalError of class ErrConfiguration, and no region is created.
func configureAddressSpaces(desc *machine.Description, roles RoleIDs, reserve Reservations) (*memoryLayout, error) {
	if desc == nil {
		return nil, newFatalf(ErrConfiguration, "no machine description")
	}
	layout := &memoryLayout{}
	var err error
	if layout.local, err = findRole(desc, "local", roles.Local); err != nil {
		return nil, err
	}
	if layout.private, err = findRole(desc, "private", roles.Private); err != nil {
		return nil, err
	}
	if layout.global, err = findRole(desc, "global+constant", roles.Global, roles.Constant); err != nil {
		return nil, err
	}

	if desc.IsMultiCore() {
		if layout.local.Shared {
			return nil, newFatalf(ErrConfiguration, "machine %q: local address space %q can't be shared among the %d cores",
				desc.Name, layout.local.Name, desc.NumCores())
		}
		if layout.private.Shared {
			return nil, newFatalf(ErrConfiguration, "machine %q: private address space %q can't be shared among the %d cores",
				desc.Name, layout.private.Name, desc.NumCores())
		}
		if !layout.global.Shared {
			return nil, newFatalf(ErrConfiguration, "machine %q: global address space %q must be shared among the %d cores",
				desc.Name, layout.global.Name, desc.NumCores())
		}
	}

	localStart := int64(layout.local.Start)
	localSize := layout.local.Length()
	if layout.private == layout.local {
		localStart += int64(reserve.Local)
		localSize -= int64(reserve.Local)
	}
	globalSize := layout.global.Length() - int64(reserve.Global)
	if localSize < 0 {
		return nil, newFatalf(ErrConfiguration, "machine %q: local address space %q has %d bytes, not enough for the %d bytes reserved",
			desc.Name, layout.local.Name, layout.local.Length(), reserve.Local)
	}
	if globalSize < ExecutionCommandSize {
		return nil, newFatalf(ErrConfiguration,
			"machine %q: global address space %q has %d bytes, not enough for the %d bytes reserved plus the command slot",
			desc.Name, layout.global.Name, layout.global.Length(), reserve.Global)
	}
	layout.localSize = uint32(localSize)
	layout.globalSize = uint32(globalSize)
	layout.commandSlot = layout.global.Start + reserve.Global

	layout.localMem = memregion.New(desc.Name+"/local", uint32(localStart), layout.localSize)
	layout.globalMem = memregion.New(desc.Name+"/global", layout.commandSlot+ExecutionCommandSize,
		layout.globalSize-ExecutionCommandSize)
	klog.V(1).Infof("tta: machine %q: local %s (%d bytes at 0x%x), private %s, global %s (%d bytes at 0x%x), command slot at 0x%x",
		desc.Name, layout.local.Name, layout.localSize, localStart, layout.private.Name,
		layout.global.Name, layout.globalMem.Size(), layout.globalMem.Start(), layout.commandSlot)
	return layout, nil
}
