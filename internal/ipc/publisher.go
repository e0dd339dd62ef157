package ipc

import (
	"context"

	"Assembler-IPC/internal/core/codec"
	"Assembler-IPC/internal/core/request"
)

// Publisher is a pub endpoint that encodes requests and sends them to every
// subscriber connected at the time of sending. Nothing is buffered for
// subscribers that connect later.
type Publisher struct {
	*Endpoint
	codec codec.Codec
}

// NewPublisher binds address unless WithRole says otherwise.
func NewPublisher(ctx context.Context, address string, opts ...Option) (*Publisher, error) {
	o := newOptions(opts)
	role := o.role
	if role == 0 {
		role = RoleBind
	}
	e, err := newEndpoint(ctx, address, role, PatternPub, o)
	if err != nil {
		return nil, err
	}
	return &Publisher{Endpoint: e, codec: o.codec}, nil
}

// Publish sends req with its action as the topic.
func (p *Publisher) Publish(req request.Request) error {
	if req == nil {
		return ErrNilRequest
	}
	return p.PublishTopic(string(req.Action()), req)
}

func (p *Publisher) PublishTopic(topic string, req request.Request) error {
	if req == nil {
		return ErrNilRequest
	}
	payload, err := p.codec.Encode(req)
	if err != nil {
		return err
	}
	return p.PublishRaw(topic, payload)
}

// PublishRaw sends an already encoded payload.
func (p *Publisher) PublishRaw(topic string, payload []byte) error {
	if err := p.send(topic, payload); err != nil {
		return err
	}
	p.metrics.publishedRequest(p.address, topic)
	p.log.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("published")
	return nil
}

// Codec returns the codec requests are encoded with.
func (p *Publisher) Codec() codec.Codec { return p.codec }
