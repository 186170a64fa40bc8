package wsrpc

import (
	"encoding/json"
	"fmt"
)

// Response is a caller-side view over a reply envelope, typed to the
// response payload of whichever MessageType produced it.
type Response[Res any] struct {
	Envelope *Envelope
	decode   func(json.RawMessage) (Res, error)
}

func newResponse[Res any](env *Envelope, decode func(json.RawMessage) (Res, error)) Response[Res] {
	return Response[Res]{Envelope: env, decode: decode}
}

// IsSuccessful reports whether the reply was a RESPONSE rather than an
// ERROR.
func (r Response[Res]) IsSuccessful() bool {
	return r.Envelope.Op != OpError
}

// GetResponse decodes the reply body via the response codec. Calling it
// on an ERROR reply decodes whatever happens to be in Body under that
// codec, which is rarely useful — check IsSuccessful first.
func (r Response[Res]) GetResponse() (Res, error) {
	return r.decode(r.Envelope.Body)
}

// GetError decodes the reply body as an ErrorDetail. If the body isn't a
// well-formed ErrorDetail (e.g. a peer that doesn't speak this
// framework), it falls back to wrapping the raw body text as the error
// message rather than failing.
func (r Response[Res]) GetError() ErrorDetail {
	detail, err := jsonDecode[ErrorDetail](r.Envelope.Body)
	if err != nil || detail.Error == "" {
		return ErrorDetail{Error: string(r.Envelope.Body)}
	}
	return detail
}

// ThrowIfError returns a framework-level error built from GetError if the
// reply was unsuccessful, else nil.
func (r Response[Res]) ThrowIfError() error {
	if r.IsSuccessful() {
		return nil
	}
	detail := r.GetError()
	return fmt.Errorf("wsrpc: request %s failed: %s", r.Envelope.ID, detail.Error)
}

// RoundtripMillis reports receivedMillis-sentMillis, or false if either
// mark is absent (e.g. a reply that was synthesized locally, such as a
// timeout or session-closed error, never arrived over the wire and so has
// no ReceivedMillis).
func (r Response[Res]) RoundtripMillis() (int64, bool) {
	return durationMillis(r.Envelope.SentMillis, r.Envelope.ReceivedMillis)
}

// ProcessingMillis reports stopProcessingMillis-startProcessingMillis, or
// false if either mark is absent.
func (r Response[Res]) ProcessingMillis() (int64, bool) {
	return durationMillis(r.Envelope.StartProcessingMillis, r.Envelope.StopProcessingMillis)
}
