package client

import (
	"context"
	"time"
)

// heartbeatIfNeeded is a no-op when leasing is disabled. Otherwise it
// inspects the remaining lease lifetime and, past the soft deadline,
// ensures exactly one heartbeat attempt is in flight — awaiting it
// past the hard deadline, letting it run in the background otherwise.
func (c *Client) heartbeatIfNeeded(ctx context.Context, gen uint64) {
	if c.leases == nil {
		return
	}

	c.mu.Lock()
	remaining := time.Duration(c.leaseExpiresAtMs-time.Now().UnixMilli()) * time.Millisecond
	sess := c.underlying
	hf := c.heartbeatFuture
	c.mu.Unlock()

	if remaining > c.cfg.HeartbeatSoftRemaining {
		return
	}
	if sess == nil {
		return
	}

	if hf == nil {
		hf = newFuture()
		c.mu.Lock()
		c.heartbeatFuture = hf
		c.mu.Unlock()
		go c.doHeartbeat(ctx, gen, sess, hf)
	}

	if remaining < c.cfg.HeartbeatHardWaitRemaining {
		err := hf.wait()
		if err != nil && c.cfg.HeartbeatErrorMode == HeartbeatThrow {
			logf("heartbeat_hardwait_error gen=%d err=%v", gen, err)
		}
	}
}

// doHeartbeat mints a new label and installs it over sess, racing a
// timeout. It only commits leaseExpiresAtMs locally if the captured
// generation and session pointer both still match the current ones
// when the race resolves.
func (c *Client) doHeartbeat(ctx context.Context, gen uint64, sess Session, hf *future) {
	var err error
	defer func() {
		c.mu.Lock()
		if c.heartbeatFuture == hf {
			c.heartbeatFuture = nil
		}
		c.mu.Unlock()
		hf.finish(err)
	}()

	expiresAt := time.Now().Add(c.cfg.LeaseTTL)
	label, mintErr := c.leases.Mint(c.cfg.ServiceName, c.cfg.InstanceName, expiresAt)
	if mintErr != nil {
		err = mintErr
		c.hooks.fireOnHeartbeatFail(gen, err)
		c.applyHeartbeatError(ctx, gen, sess, err)
		return
	}

	hbCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
	defer cancel()
	err = sess.SetLabel(hbCtx, label)

	if err != nil {
		c.hooks.fireOnHeartbeatFail(gen, err)
		c.applyHeartbeatError(ctx, gen, sess, err)
		return
	}

	c.mu.Lock()
	if c.generation == gen && c.underlying == sess {
		c.leaseExpiresAtMs = expiresAt.UnixMilli()
		c.mu.Unlock()
		c.hooks.fireOnHeartbeat(gen)
		return
	}
	c.mu.Unlock()
}

// applyHeartbeatError implements heartbeatErrorMode: reconnect (the
// default) marks the client dead and disposes, bumping the generation
// so the next query reconnects; swallow only logs; throw leaves the
// failure in hf for heartbeatIfNeeded's hard-wait caller to observe.
func (c *Client) applyHeartbeatError(ctx context.Context, gen uint64, sess Session, err error) {
	switch c.cfg.HeartbeatErrorMode {
	case HeartbeatSwallow:
		logf("heartbeat_failed_swallowed gen=%d err=%v", gen, err)
	case HeartbeatThrow:
		// The error already propagates to hf.wait(); nothing further to do
		// for a background heartbeat since there is no caller to throw to.
	default: // HeartbeatReconnect
		c.mu.Lock()
		current := c.generation == gen && c.underlying == sess
		if current {
			c.dead = true
			c.state = StateDead
		}
		c.mu.Unlock()
		if current {
			c.disposeCurrent(ctx, true)
		}
	}
}
