package manager

import (
	"errors"

	"go.uber.org/zap"

	"github.com/homerelay/internal/handshake"
	"github.com/homerelay/pkg/protocol"
	"github.com/homerelay/pkg/session"
)

// serve is the receive loop of one service run.
func (m *Manager) serve(svc *service) {
	defer close(svc.done)

	for {
		frame, err := m.broker.Receive()
		if err == nil {
			err = m.handle(frame)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, session.ErrClosed) {
			return
		}
		m.logger.Warn("lost broker connection", zap.Error(err))
		if !m.cfg.ReregisterOnFailure {
			m.broker.Close()
			return
		}
		if err := m.register(); err != nil {
			m.logger.Warn("re-registration failed, stopping", zap.Error(err))
			m.broker.Close()
			return
		}
	}
}

// handle processes one frame from the broker. It returns an error only
// when the broker connection failed.
func (m *Manager) handle(frame []byte) error {
	p, err := protocol.Decode(frame)
	if err != nil {
		m.logger.Warn("dropping malformed message", zap.Error(err))
		return nil
	}

	switch msg := p.(type) {
	case protocol.Heartbeat:
		return handshake.Answer(m.broker, msg)
	case protocol.Relay:
		if msg.IsErrorReply() {
			m.logBrokerError(msg)
			return nil
		}
		reply, err := protocol.Encode(m.answer(msg))
		if err != nil {
			m.logger.Error("failed to encode reply", zap.Error(err))
			return nil
		}
		return m.broker.Send(reply)
	case protocol.Error:
		m.logger.Warn("broker reported an error", zap.Error(msg))
	case protocol.Text:
		m.logger.Info("message from broker", zap.String("text", string(msg)))
	default:
		m.logger.Warn("unexpected message", zap.Stringer("type", p.Type()))
	}
	return nil
}

// answer exchanges a relay's data with the addressed device and builds the
// reply relay.
func (m *Manager) answer(req protocol.Relay) protocol.Relay {
	logger := m.logger.With(zap.String("from", req.FromKey), zap.String("device", req.Info))

	d, ok := m.device(req.Info)
	if !ok {
		logger.Info("device not found")
		return req.Reply(string(protocol.MustEncode(protocol.Error{Code: protocol.CodeDeviceNotFound})))
	}
	result, err := d.Exchange(req.Data)
	if err != nil {
		logger.Warn("device exchange failed", zap.Error(err))
		return req.Reply(string(protocol.MustEncode(protocol.Error{Code: protocol.CodeDeviceConnectionLost})))
	}
	logger.Debug("device answered", zap.String("reply", result))
	return req.Reply(string(protocol.MustEncode(protocol.Text(result))))
}

func (m *Manager) logBrokerError(r protocol.Relay) {
	inner, err := r.Unwrap()
	if err != nil {
		m.logger.Warn("invalid error reply from broker", zap.Error(err))
		return
	}
	if e, ok := inner.(protocol.Error); ok {
		m.logger.Warn("relay failed at broker",
			zap.String("peer", r.FromKey),
			zap.Int("code", int(e.Code)),
			zap.String("reason", e.Code.Message()))
		return
	}
	m.logger.Warn("unexpected error reply payload", zap.Stringer("type", inner.Type()))
}
