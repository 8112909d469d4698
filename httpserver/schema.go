package httpserver

import (
	"net/http"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/chatbridge/chat-server-go/wire"
)

// envelopeVariants enumerates the wire variants exposed by the schema
// endpoint, keyed by their type discriminator.
var envelopeVariants = map[wire.Type]any{
	wire.TypeChatMessage: &wire.ChatMessage{},
	wire.TypeChatChunk:   &wire.ChatChunk{},
	wire.TypeWelcome:     &wire.Welcome{},
	wire.TypeHistory:     &wire.History{},
	wire.TypePresence:    &wire.Presence{},
	wire.TypeTyping:      &wire.Typing{},
	wire.TypeCancel:      &wire.Cancel{},
	wire.TypePing:        &wire.Ping{},
	wire.TypePong:        &wire.Pong{},
	wire.TypeError:       &wire.Error{},
	wire.TypeSystem:      &wire.System{},
}

var (
	schemaOnce sync.Once
	schemaDoc  map[string]*jsonschema.Schema
)

// buildSchema reflects each envelope variant once; the result is immutable.
func buildSchema() map[string]*jsonschema.Schema {
	schemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{DoNotReference: true}
		schemaDoc = make(map[string]*jsonschema.Schema, len(envelopeVariants))
		for typ, v := range envelopeVariants {
			schemaDoc[string(typ)] = reflector.Reflect(v)
		}
	})
	return schemaDoc
}

// handleSchema serves the generated JSON Schema of every envelope variant,
// keyed by type discriminator.
func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	if !negotiateJSON(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, buildSchema())
}
