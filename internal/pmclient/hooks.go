package pmclient

// PrepareSuspend runs on the calling core right before it asks the controller
// to suspend it. The local interrupt interface goes down before the
// power-down bit is raised: once the bit is set the controller may cut power
// at any moment.
func (c *Client) PrepareSuspend(proc Proc) {
	c.cpu.Deactivate()
	c.updatePwrCtl(proc.PwrDnMask, 0)
	c.log.Debug("power-down requested", "node", proc.Node.String())
}

// AbortSuspend cancels a pending self-suspend of the calling core. It always
// clears the primary processor's power-down bit, whichever core calls it.
func (c *Client) AbortSuspend() {
	c.cpu.Setup()
	primary := c.registry.Primary()
	c.updatePwrCtl(0, primary.PwrDnMask)
	c.log.Debug("power-down request cleared", "node", primary.Node.String())
}

// Wake clears proc's power-down bit so the controller can bring it back up.
// Nodes outside the registry are ignored.
func (c *Client) Wake(proc Proc) {
	if c.registry.CPUID(proc.Node) == UndefinedCPUID {
		c.log.Debug("wake ignored for unregistered node", "node", proc.Node.String())
		return
	}
	c.updatePwrCtl(0, proc.PwrDnMask)
	c.log.Debug("wake requested", "node", proc.Node.String())
}

// PwrCtl returns the current power-control register value.
func (c *Client) PwrCtl() uint32 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.bus.Read32(c.layout.PwrCtl)
}

func (c *Client) updatePwrCtl(set, clear uint32) {
	c.lock.Lock()
	defer c.lock.Unlock()
	v := c.bus.Read32(c.layout.PwrCtl)
	c.bus.Write32(c.layout.PwrCtl, (v|set)&^clear)
}
