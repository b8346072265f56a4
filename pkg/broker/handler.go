// Copyright 2023 The emqx-lite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/turtacn/emqx-lite/pkg/connection"
	"github.com/turtacn/emqx-lite/pkg/metrics"
	"github.com/turtacn/emqx-lite/pkg/protocol/mqtt"
)

// errDisconnect ends the read loop after a client DISCONNECT.
var errDisconnect = errors.New("client disconnected")

// serveConn is the read loop of one connection. It returns once the
// connection is closed, by the client, by a protocol error, by the idle
// timer or by shutdown.
func (b *Broker) serveConn(c *connection.Connection, log *zap.Logger) error {
	reader := mqtt.NewReader(b.cfg.MaxPacketSize)
	buf := make([]byte, b.cfg.ReadBufferSize)

	for {
		n, err := c.Read(buf)
		if n > 0 {
			reader.Feed(buf[:n])
			for {
				frame, ferr := reader.Next()
				if ferr != nil {
					log.Warn("malformed frame", zap.Error(ferr))
					c.Close(connection.ReasonDecodeError)
					return nil
				}
				if frame == nil {
					break
				}
				if !b.process(c, frame, log) {
					return nil
				}
			}
		}
		if err != nil {
			reason := connection.ReasonReadError
			if errors.Is(err, io.EOF) {
				reason = connection.ReasonEOF
			}
			if c.Close(reason) && reason == connection.ReasonReadError {
				log.Debug("read failed", zap.Error(err))
			}
			return nil
		}
	}
}

// process handles one frame and reports whether the loop should continue.
func (b *Broker) process(c *connection.Connection, frame []byte, log *zap.Logger) bool {
	pk, err := mqtt.Decode(frame)
	if err != nil {
		log.Warn("failed to decode packet",
			zap.String("client_id", c.ClientID()),
			zap.String("type", mqtt.TypeName(frame[0]>>4)),
			zap.Error(err))
		c.Close(connection.ReasonDecodeError)
		return false
	}
	metrics.PacketsReceivedTotal.WithLabelValues(mqtt.TypeName(pk.Type())).Inc()

	if err := b.dispatch(c, pk, log); err != nil {
		reason := connection.ReasonProtocol
		switch {
		case errors.Is(err, errDisconnect):
			reason = connection.ReasonDisconnect
		case errors.Is(err, connection.ErrSendFailure), errors.Is(err, connection.ErrClosed):
			reason = connection.ReasonSendFailure
		default:
			log.Warn("protocol violation",
				zap.String("client_id", c.ClientID()),
				zap.String("type", mqtt.TypeName(pk.Type())),
				zap.Error(err))
		}
		c.Close(reason)
		return false
	}

	c.Touch()
	return true
}

func (b *Broker) dispatch(c *connection.Connection, pk mqtt.Packet, log *zap.Logger) error {
	switch p := pk.(type) {
	case *mqtt.Connect:
		if err := c.Activate(p.ClientID, p.KeepAlive); err != nil {
			return err
		}
		log.Info("client connected",
			zap.String("client_id", p.ClientID),
			zap.Uint8("level", p.ProtocolLevel),
			zap.Uint16("keepalive", p.KeepAlive),
			zap.Bool("clean_session", p.CleanSession))
		return c.Send(mqtt.EncodeConnack())

	case *mqtt.Publish:
		if err := b.checkConnected(c); err != nil {
			return err
		}
		b.publish(p, log)
		return nil

	case *mqtt.Subscribe:
		if err := b.checkConnected(c); err != nil {
			return err
		}
		code := b.subscribe(c, p)
		log.Debug("subscribe",
			zap.String("client_id", c.ClientID()),
			zap.String("topic", p.Topic),
			zap.Uint8("requested_qos", p.QoS),
			zap.Uint8("code", code))
		return c.Send(mqtt.EncodeSuback(p.PacketID, code))

	case *mqtt.Pingreq:
		return c.Send(mqtt.EncodePingresp())

	case *mqtt.Disconnect:
		log.Debug("client sent DISCONNECT", zap.String("client_id", c.ClientID()))
		return errDisconnect

	default:
		return errors.Wrapf(mqtt.ErrUnknownPacketType, "%T", pk)
	}
}

func (b *Broker) checkConnected(c *connection.Connection) error {
	if b.cfg.StrictConnect && c.State() != connection.StateActive {
		return connection.ErrNotConnected
	}
	return nil
}

// subscribe registers c on the topic and returns the SUBACK return code.
// Every valid request is granted QoS 0.
func (b *Broker) subscribe(c *connection.Connection, p *mqtt.Subscribe) byte {
	if p.QoS > 2 {
		return mqtt.CodeSubscribeFailure
	}
	b.registry.Subscribe(p.Topic, c, mqtt.MaxQoS)
	// A concurrent Close may have run its teardown before the insert.
	if c.State() == connection.StateClosed {
		b.registry.UnsubscribeAll(c)
	}
	return mqtt.MaxQoS
}

// publish records the message and delivers it to every current subscriber
// of the topic. A failed delivery closes that subscriber only.
func (b *Broker) publish(p *mqtt.Publish, log *zap.Logger) {
	metrics.MessagesPublishedTotal.Inc()
	if b.sampler != nil {
		b.sampler.Observe()
	}
	b.sink.Record(p.Topic, p.Payload)

	subs := b.registry.Subscribers(p.Topic)
	if len(subs) == 0 {
		return
	}
	frame, err := mqtt.EncodePublish(p.Topic, p.Payload)
	if err != nil {
		log.Error("failed to encode publish", zap.String("topic", p.Topic), zap.Error(err))
		return
	}

	for _, s := range subs {
		sub, ok := s.Subscriber.(*connection.Connection)
		if !ok {
			continue
		}
		if err := sub.Send(frame); err != nil {
			if errors.Is(err, connection.ErrClosed) {
				continue
			}
			metrics.FanoutFailuresTotal.Inc()
			log.Warn("delivery failed, closing subscriber",
				zap.Uint64("subscriber_id", sub.ID()),
				zap.String("subscriber_client_id", sub.ClientID()),
				zap.String("topic", p.Topic),
				zap.Error(err))
			sub.Close(connection.ReasonSendFailure)
			continue
		}
		metrics.MessagesDeliveredTotal.Inc()
	}
}
