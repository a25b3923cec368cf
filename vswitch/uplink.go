// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vswitch

import (
	"fmt"
	"sync"

	"vswitch.dev/iochain"
	"vswitch.dev/packet"
	"vswitch.dev/types/logger"
)

// DeviceType places a node in one of the uplink tree's namespaces.
type DeviceType int

const (
	DeviceTypeLeaf            DeviceType = 0x1
	DeviceTypeBond            DeviceType = 0x2
	DeviceTypeUnknown         DeviceType = 0x3 // leaf | bond, not yet known
	DeviceTypePortsetToplevel DeviceType = 0x4
	DeviceTypePortsetBond     DeviceType = 0x8
)

// isPortsetNode reports whether t is an aggregation (claimer) node.
func (t DeviceType) isPortsetNode() bool {
	return t&(DeviceTypePortsetToplevel|DeviceTypePortsetBond) != 0
}

// DeviceFlags track an uplink device's lifecycle.
type DeviceFlags uint32

const (
	// DeviceAvailable is set while no portset has claimed the device.
	DeviceAvailable DeviceFlags = 1 << iota
	// DevicePresent is set once the device exists and is initialized.
	DevicePresent
	// DeviceOpened is set once the driver's Open has succeeded.
	DeviceOpened
	// DeviceEventNotified is set once the claiming portset has been
	// told the device is up; it gates the DOWN notification so the
	// teardown path is idempotent under concurrent event sources.
	DeviceEventNotified
)

// UplinkStatus is the state carried by an uplink notification.
type UplinkStatus int

const (
	UplinkDown UplinkStatus = iota
	UplinkUp
)

// UplinkData is device-specific data surfaced to the claiming
// portset.
type UplinkData struct {
	PktHdrSize  int
	MaxSGLength int
}

// NotifyFn is called (with no switching-layer locks held) when a
// claimed device changes state.
type NotifyFn func(id PortID, data *UplinkData, status UplinkStatus)

// Driver is the entry-point record of an external uplink device. None
// of its methods are invoked with registry or portset locks held.
type Driver interface {
	Open(dev *UplinkDevice) error
	Close(dev *UplinkDevice) error
	// StartTx consumes the packets it accepts from pkts; rejected
	// packets remain on the list and are completed by the caller.
	StartTx(dev *UplinkDevice, pkts *packet.List) error
}

// UplinkDevice is a physical or logical device bindable to a portset.
// All fields except the tx staging area are guarded by the registry
// lock.
type UplinkDevice struct {
	name       string
	typ        DeviceType
	flags      DeviceFlags
	driver     Driver
	uplinkPort PortID
	notify     NotifyFn
	data       UplinkData
	hwCap      CapMask
	swCap      CapMask
	txCookie   *iochain.Cookie // terminal output call, when wired

	txMu      sync.Mutex // leaf lock, below everything else
	txPending packet.List
}

// Name returns the device name.
func (d *UplinkDevice) Name() string { return d.name }

// Flags returns the device lifecycle flags.
func (d *UplinkDevice) Flags() DeviceFlags { return d.flags }

// HWCap returns the device's hardware capability mask.
func (d *UplinkDevice) HWCap() CapMask { return d.hwCap }

// SWCap returns the device's software-emulated capability mask.
func (d *UplinkDevice) SWCap() CapMask { return d.swCap }

// uplinkNode is one node of the child/sibling device tree.
type uplinkNode struct {
	name    string
	typ     DeviceType
	dev     *UplinkDevice // nil for the root sentinel and portset nodes
	parent  *uplinkNode
	child   *uplinkNode
	sibling *uplinkNode
}

type pendingNotify struct {
	fn     NotifyFn
	id     PortID
	data   *UplinkData
	status UplinkStatus
}

// uplinkLayer owns the device tree. Structural state is guarded by
// the registry lock; notifications and transmits triggered under it
// are queued and flushed once every lock is dropped.
type uplinkLayer struct {
	reg  *Registry
	logf logger.Logf
	root *uplinkNode

	notifyPending []pendingNotify

	txqMu   sync.Mutex
	txReady []*UplinkDevice
}

func (u *uplinkLayer) init(reg *Registry, logf logger.Logf) {
	u.reg = reg
	u.logf = logf
	u.root = &uplinkNode{name: "", typ: DeviceTypeUnknown}
}

// findNode locates the named node anywhere in the tree. Registry lock
// held.
func (u *uplinkLayer) findNode(name string) *uplinkNode {
	return findNodeFrom(u.root, name)
}

func findNodeFrom(n *uplinkNode, name string) *uplinkNode {
	if n == nil {
		return nil
	}
	if n.name == name {
		return n
	}
	for c := n.child; c != nil; c = c.sibling {
		if found := findNodeFrom(c, name); found != nil {
			return found
		}
	}
	return nil
}

// addChild links child under parent. The edit is refused if parent
// lies within child's own subtree, which is the only way a cycle can
// form: claiming order is event-driven, so a bad edit cannot be
// statically prevented, only refused. Registry lock held.
func (u *uplinkLayer) addChild(parent, child *uplinkNode) error {
	if parent == child || subtreeContains(child, parent) {
		return fmt.Errorf("linking %q under %q would create a cycle: %w",
			child.name, parent.name, ErrBadParam)
	}
	child.sibling = parent.child
	parent.child = child
	child.parent = parent
	return nil
}

// subtreeContains reports whether target is n or a descendant of n.
func subtreeContains(n, target *uplinkNode) bool {
	if n == nil {
		return false
	}
	if n == target {
		return true
	}
	for c := n.child; c != nil; c = c.sibling {
		if subtreeContains(c, target) {
			return true
		}
	}
	return false
}

// removeChild unlinks child from parent, returning the sibling that
// preceded it (nil when child was the head). Registry lock held.
func (u *uplinkLayer) removeChild(parent, child *uplinkNode) (prev *uplinkNode) {
	if parent.child == child {
		parent.child = child.sibling
	} else {
		for c := parent.child; c != nil; c = c.sibling {
			if c.sibling == child {
				c.sibling = child.sibling
				prev = c
				break
			}
		}
	}
	child.parent = nil
	child.sibling = nil
	return prev
}

// restoreChild relinks child under parent directly after prev (at the
// head when prev is nil), undoing a removeChild position-exactly.
func (u *uplinkLayer) restoreChild(parent, child, prev *uplinkNode) {
	if prev == nil {
		child.sibling = parent.child
		parent.child = child
	} else {
		child.sibling = prev.sibling
		prev.sibling = child
	}
	child.parent = parent
}

// reparent moves node under newParent with cycle check and rollback. A
// refused edit leaves the tree exactly as it was, sibling order
// included. Registry lock held.
func (u *uplinkLayer) reparent(node, newParent *uplinkNode) error {
	oldParent := node.parent
	var prev *uplinkNode
	if oldParent != nil {
		prev = u.removeChild(oldParent, node)
	}
	if err := u.addChild(newParent, node); err != nil {
		if oldParent != nil {
			u.restoreChild(oldParent, node, prev)
		}
		return err
	}
	return nil
}

// forEachLeaf visits every leaf device node in the subtree rooted at
// n. Registry lock held.
func forEachLeaf(n *uplinkNode, fn func(*uplinkNode)) {
	if n == nil {
		return
	}
	if n.child == nil && n.dev != nil {
		fn(n)
		return
	}
	for c := n.child; c != nil; c = c.sibling {
		forEachLeaf(c, fn)
	}
}

// DeviceConnected is the module-load/hotplug entry point: it
// announces that devName now exists and is backed by driver. The
// device is opened (with no locks held) and, if a portset has already
// claimed it, the transmit path is wired and the claimer notified.
func (r *Registry) DeviceConnected(devName string, driver Driver, data UplinkData, hwCap CapMask) error {
	if devName == "" || len(devName) > MaxNameLen {
		return fmt.Errorf("bad device name %q: %w", devName, ErrBadParam)
	}
	u := &r.uplinks

	r.mu.Lock()
	node := u.findNode(devName)
	if node == nil {
		node = &uplinkNode{
			name: devName,
			typ:  DeviceTypeLeaf,
			dev: &UplinkDevice{
				name:  devName,
				typ:   DeviceTypeLeaf,
				flags: DeviceAvailable,
			},
		}
		if err := u.addChild(u.root, node); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	dev := node.dev
	if dev == nil {
		r.mu.Unlock()
		return fmt.Errorf("%q is not a device: %w", devName, ErrBadParam)
	}
	if dev.flags&DevicePresent != 0 {
		r.mu.Unlock()
		return fmt.Errorf("device %q: %w", devName, ErrExists)
	}
	if dev.typ == DeviceTypeUnknown {
		dev.typ = DeviceTypeLeaf
		node.typ = DeviceTypeLeaf
	}
	dev.driver = driver
	dev.data = data
	dev.hwCap = hwCap
	dev.flags |= DevicePresent
	r.mu.Unlock()

	// Driver entry point with no locks held; it may re-enter us.
	if err := driver.Open(dev); err != nil {
		r.mu.Lock()
		dev.flags &^= DevicePresent
		r.mu.Unlock()
		return fmt.Errorf("open %q: %w", devName, err)
	}

	r.mu.Lock()
	dev.flags |= DeviceOpened
	if dev.flags&DeviceAvailable == 0 && dev.uplinkPort != InvalidPortID {
		u.wireTxLocked(dev)
	}
	r.mu.Unlock()

	u.flushNotify()
	u.logf("%s: connected (hwCap %v)", devName, hwCap)
	return nil
}

// DeviceDisconnected announces that devName is gone. Idempotent: the
// DOWN notification fires exactly once even if independent event
// sources race here.
func (r *Registry) DeviceDisconnected(devName string) {
	u := &r.uplinks

	r.mu.Lock()
	node := u.findNode(devName)
	if node == nil || node.dev == nil {
		r.mu.Unlock()
		u.logf("%s: disconnect of unknown device", devName)
		return
	}
	dev := node.dev
	var driver Driver
	if dev.flags&DeviceOpened != 0 {
		driver = dev.driver
	}
	u.unwireTxLocked(dev)
	dev.flags &^= DevicePresent | DeviceOpened
	r.mu.Unlock()

	u.flushNotify()
	if driver != nil {
		driver.Close(dev)
	}
	u.logf("%s: disconnected", devName)
}

// registerLocked claims devName for the port p of ps, reparenting the
// device node under ps's aggregation node (created on demand with
// aggType). Registry and portset locks held: this is the path used by
// dispatch impls from LinkUplink.
func (u *uplinkLayer) registerLocked(ps *Portset, p *Port, devName string, aggType DeviceType, notify NotifyFn) (*UplinkData, error) {
	node := u.findNode(devName)
	if node == nil {
		// Claiming ahead of device arrival is allowed; the tx path is
		// wired when the device shows up.
		node = &uplinkNode{
			name: devName,
			typ:  DeviceTypeUnknown,
			dev: &UplinkDevice{
				name:  devName,
				typ:   DeviceTypeUnknown,
				flags: DeviceAvailable,
			},
		}
		if err := u.addChild(u.root, node); err != nil {
			return nil, err
		}
	}
	dev := node.dev
	if dev == nil {
		return nil, fmt.Errorf("%q is not a claimable device: %w", devName, ErrBadParam)
	}
	if dev.flags&DeviceAvailable == 0 {
		if dev.uplinkPort == p.id {
			return nil, fmt.Errorf("device %q already bound to %v: %w", devName, p.id, ErrExists)
		}
		return nil, fmt.Errorf("device %q claimed by %v: %w", devName, dev.uplinkPort, ErrBusy)
	}

	agg := u.findNode(ps.name)
	if agg == nil {
		agg = &uplinkNode{name: ps.name, typ: aggType}
		if err := u.addChild(u.root, agg); err != nil {
			return nil, err
		}
	}
	if !agg.typ.isPortsetNode() {
		return nil, fmt.Errorf("%q already names a device: %w", ps.name, ErrExists)
	}
	if err := u.reparent(node, agg); err != nil {
		return nil, err
	}

	dev.uplinkPort = p.id
	dev.notify = notify
	dev.flags &^= DeviceAvailable
	p.flags |= portFlagUplink
	p.uplinkDev = dev

	if dev.flags&(DevicePresent|DeviceOpened) == DevicePresent|DeviceOpened {
		u.wireTxOnPortLocked(dev, p)
	}
	u.logf("%s: bound to port %v (%s)", devName, p.id, ps.name)
	return &dev.data, nil
}

// unregisterLocked reverses registerLocked. Registry and portset
// locks held. Best-effort: problems are logged, teardown continues.
func (u *uplinkLayer) unregisterLocked(ps *Portset, id PortID, devName string) {
	node := u.findNode(devName)
	if node == nil || node.dev == nil {
		u.logf("%s: unregister of unknown device", devName)
		return
	}
	dev := node.dev
	if dev.uplinkPort != id {
		u.logf("%s: bound to %v, not %v; leaving it", devName, dev.uplinkPort, id)
		return
	}
	if p, err := ps.lockedPort(id); err == nil {
		if dev.txCookie != nil {
			p.outputChain.RemoveCallByCookie(p, dev.txCookie)
		}
		removeAllCapCallsLocked(dev, p)
		p.flags &^= portFlagUplink
		p.uplinkDev = nil
	}
	dev.txCookie = nil
	if dev.flags&DeviceEventNotified != 0 {
		dev.flags &^= DeviceEventNotified
		u.queueNotify(dev, UplinkDown)
	}
	dev.uplinkPort = InvalidPortID
	dev.notify = nil
	dev.swCap = 0
	dev.flags |= DeviceAvailable
	if err := u.reparent(node, u.root); err != nil {
		u.logf("%s: reparent to root failed: %v", devName, err)
	}
	u.logf("%s: released", devName)
}

// releasePortsetLocked releases every device claimed by ps and drops
// its aggregation node from the tree. Registry and set locks held.
func (u *uplinkLayer) releasePortsetLocked(ps *Portset) {
	agg := u.findNode(ps.name)
	if agg == nil || !agg.typ.isPortsetNode() {
		return
	}
	var leaves []*uplinkNode
	forEachLeaf(agg, func(n *uplinkNode) { leaves = append(leaves, n) })
	for _, n := range leaves {
		dev := n.dev
		if dev != nil && dev.uplinkPort != InvalidPortID && dev.uplinkPort.setIdx() == ps.idx {
			u.unregisterLocked(ps, dev.uplinkPort, dev.name)
		}
	}
	if agg.parent != nil {
		u.removeChild(agg.parent, agg)
	}
}

// wireTxLocked wires the transmit path for a claimed, present, opened
// device, resolving its uplink port first. Registry lock held.
func (u *uplinkLayer) wireTxLocked(dev *UplinkDevice) {
	ps := u.reg.sets[dev.uplinkPort.setIdx()]
	if ps == nil {
		u.logf("%s: claiming portset is gone", dev.name)
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, err := ps.lockedPort(dev.uplinkPort)
	if err != nil {
		u.logf("%s: claiming port %v is gone: %v", dev.name, dev.uplinkPort, err)
		return
	}
	u.wireTxOnPortLocked(dev, p)
}

// wireTxOnPortLocked inserts the terminal transmit stage on p's
// output chain, strips software capability emulation now redundant
// with hardware support, and queues the UP notification. Registry and
// portset locks held.
func (u *uplinkLayer) wireTxOnPortLocked(dev *UplinkDevice, p *Port) {
	if dev.txCookie != nil {
		return
	}
	cookie, err := p.outputChain.InsertCall(p, iochain.RankTerminal,
		uplinkOutput, nil, nil, dev, true)
	if err != nil {
		u.logf("%s: can't wire transmit path: %v", dev.name, err)
		return
	}
	dev.txCookie = cookie

	// Hardware covers these now; the emulation stages are redundant.
	overlap := dev.swCap & dev.hwCap
	for c := Capability(0); c < NumCapabilities; c++ {
		if overlap.Has(c) {
			removeCapCallLocked(dev, p, c)
		}
	}
	dev.swCap ^= overlap

	if dev.flags&DeviceEventNotified == 0 {
		dev.flags |= DeviceEventNotified
		u.queueNotify(dev, UplinkUp)
	}
}

// unwireTxLocked removes the transmit stage and queues the DOWN
// notification, exactly once. Registry lock held.
func (u *uplinkLayer) unwireTxLocked(dev *UplinkDevice) {
	if dev.uplinkPort == InvalidPortID {
		return
	}
	ps := u.reg.sets[dev.uplinkPort.setIdx()]
	if ps != nil {
		ps.mu.Lock()
		if p, err := ps.lockedPort(dev.uplinkPort); err == nil && dev.txCookie != nil {
			p.outputChain.RemoveCallByCookie(p, dev.txCookie)
		}
		ps.mu.Unlock()
	}
	dev.txCookie = nil
	if dev.flags&DeviceEventNotified != 0 {
		dev.flags &^= DeviceEventNotified
		u.queueNotify(dev, UplinkDown)
	}
}

// queueNotify records a notification to fire once locks are dropped.
// Registry lock held.
func (u *uplinkLayer) queueNotify(dev *UplinkDevice, status UplinkStatus) {
	if dev.notify == nil {
		return
	}
	u.notifyPending = append(u.notifyPending, pendingNotify{
		fn:     dev.notify,
		id:     dev.uplinkPort,
		data:   &dev.data,
		status: status,
	})
}

// flushNotify fires queued notifications. Must be called with no
// switching-layer locks held.
func (u *uplinkLayer) flushNotify() {
	u.reg.mu.Lock()
	pending := u.notifyPending
	u.notifyPending = nil
	u.reg.mu.Unlock()
	for _, n := range pending {
		n.fn(n.id, n.data, n.status)
	}
}

// uplinkOutput is the terminal output-chain stage of an uplink port:
// it stages the whole list on the device for transmission once the
// portset lock is dropped.
func uplinkOutput(p *Port, data iochain.Data, pkts *packet.List) error {
	dev := data.(*UplinkDevice)
	dev.txMu.Lock()
	dev.txPending.AppendList(pkts)
	dev.txMu.Unlock()

	u := &p.ps.reg.uplinks
	u.txqMu.Lock()
	u.txReady = append(u.txReady, dev)
	u.txqMu.Unlock()
	return nil
}

// flushTx hands staged packets to their devices' drivers. Must be
// called with no switching-layer locks held.
func (u *uplinkLayer) flushTx() {
	for {
		u.txqMu.Lock()
		devs := u.txReady
		u.txReady = nil
		u.txqMu.Unlock()
		if len(devs) == 0 {
			return
		}
		for _, dev := range devs {
			var pkts packet.List
			dev.txMu.Lock()
			pkts.AppendList(&dev.txPending)
			dev.txMu.Unlock()
			if pkts.IsEmpty() {
				continue
			}

			u.reg.mu.Lock()
			driver := dev.driver
			ok := dev.flags&(DevicePresent|DeviceOpened) == DevicePresent|DeviceOpened
			u.reg.mu.Unlock()

			if ok && driver != nil {
				if err := driver.StartTx(dev, &pkts); err != nil {
					u.logf("%s: transmit failed: %v", dev.name, err)
				}
			}
			// Whatever the driver did not accept ends here.
			pkts.ReleaseAll(u.reg.space)
		}
	}
}

// defaultUplinkNotify toggles the uplink port with the device state.
// Runs with no locks held, per the notification contract.
func (r *Registry) defaultUplinkNotify(id PortID, data *UplinkData, status UplinkStatus) {
	var err error
	if status == UplinkUp {
		err = r.EnablePort(id)
	} else {
		err = r.DisablePort(id, true)
	}
	if err != nil {
		r.logf("uplink notify for %v: %v", id, err)
	}
}

// uplinkBinder gives a dispatch impl the standard uplink bind
// behavior: one claimed device per bind, terminal transmit stage on a
// dedicated uplink port.
type uplinkBinder struct {
	aggAs DeviceType // zero means DeviceTypePortsetToplevel
}

func (b uplinkBinder) aggNodeType() DeviceType {
	if b.aggAs == 0 {
		return DeviceTypePortsetToplevel
	}
	return b.aggAs
}

func (uplinkBinder) PortConnect(ps *Portset, p *Port) error    { return nil }
func (uplinkBinder) PortDisconnect(ps *Portset, p *Port) error { return nil }
func (uplinkBinder) PortEnable(ps *Portset, p *Port) error     { return nil }

// PortDisable refuses to quiesce an uplink port whose device still
// has frames staged for transmit; the caller marks the port
// disable-pending and a later, post-flush disable completes it.
func (uplinkBinder) PortDisable(ps *Portset, p *Port) error {
	dev := p.uplinkDev
	if dev == nil {
		return nil
	}
	dev.txMu.Lock()
	pending := !dev.txPending.IsEmpty()
	dev.txMu.Unlock()
	if pending {
		return fmt.Errorf("%s: transmit in flight: %w", dev.name, ErrBusy)
	}
	return nil
}

func (b uplinkBinder) UplinkConnect(ps *Portset, devName string) (PortID, error) {
	p, err := ps.connectPort()
	if err != nil {
		return InvalidPortID, err
	}
	if _, err := ps.reg.uplinks.registerLocked(ps, p, devName, b.aggNodeType(), ps.reg.defaultUplinkNotify); err != nil {
		ps.disconnectPort(p.id)
		return InvalidPortID, err
	}
	return p.id, nil
}

func (uplinkBinder) UplinkDisconnect(ps *Portset, devName string) error {
	node := ps.reg.uplinks.findNode(devName)
	if node == nil || node.dev == nil || node.dev.uplinkPort == InvalidPortID {
		return fmt.Errorf("device %q not bound: %w", devName, ErrNotFound)
	}
	id := node.dev.uplinkPort
	if id.setIdx() != ps.idx {
		return fmt.Errorf("device %q bound to another portset: %w", devName, ErrNotFound)
	}
	ps.reg.uplinks.unregisterLocked(ps, id, devName)
	return ps.disconnectPort(id)
}
