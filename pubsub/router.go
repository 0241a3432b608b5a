package pubsub

import "regexp"

// lockChannelPattern matches the reserved "__<name>__lock__" shape (§4.2,
// §6). Notifications on a matching channel are the lock subsystem's own
// traffic and must never surface as an application Message.
var lockChannelPattern = regexp.MustCompile(`^__.+__lock__$`)

func isLockChannel(channel string) bool {
	return lockChannelPattern.MatchString(channel)
}

// routeNotification classifies and delivers one inbound (channel, payload)
// pair (§4.2): lock-channel traffic goes to dispatchLockNotification; in
// single-listener mode, traffic on an untracked channel or one whose lock is
// not held is dropped; everything else is decoded and dispatched, or
// reported as a DecodeError.
func (s *Session) routeNotification(channel, payload string) {
	if isLockChannel(channel) {
		s.dispatchLockNotification(channel, payload)
		return
	}

	if s.opts.SingleListener {
		s.channelsMu.RLock()
		tracked, ok := s.channels[channel]
		s.channelsMu.RUnlock()

		if !ok {
			return
		}
		if lock, isLock := tracked.(*ChannelLock); isLock && !lock.isAcquired() {
			if s.metrics != nil {
				s.metrics.messagesDropped.Inc()
			}
			return
		}
	}

	var value any
	if err := unpack(payload, &value); err != nil {
		if s.metrics != nil {
			s.metrics.decodeErrors.Inc()
		}
		s.events.emitError(&DecodeError{Channel: channel, Payload: payload, Err: err})
		return
	}

	if s.metrics != nil {
		s.metrics.messagesRouted.Inc()
	}
	s.events.emitMessage(channel, value)
}

// dispatchLockNotification routes lock-protocol traffic to the owning
// ChannelLock, if this session still tracks one for the derived channel.
func (s *Session) dispatchLockNotification(lockChannel, payload string) {
	s.channelsMu.RLock()
	defer s.channelsMu.RUnlock()
	for _, tracked := range s.channels {
		lock, ok := tracked.(*ChannelLock)
		if ok && lock.lockChan == lockChannel {
			lock.handleReleaseNotification(payload)
			return
		}
	}
}
