package ingest

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/dreamware/padlink/internal/telemetry"
	"github.com/dreamware/padlink/internal/wire"
)

// Response messages.
const (
	MessageConnected = "Connection successful"
	MessageReceived  = "Controller input received"
)

func (s *Server) handleCheckConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		wire.WriteAck(w, http.StatusMethodNotAllowed, wire.StatusError, "method not allowed")
		return
	}
	wire.WriteAck(w, http.StatusOK, wire.StatusOK, MessageConnected)
}

func (s *Server) handleControllerInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		wire.WriteAck(w, http.StatusMethodNotAllowed, wire.StatusError, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, wire.MaxBodySize))
	if err != nil {
		s.sink.reject()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			wire.WriteAck(w, http.StatusRequestEntityTooLarge, wire.StatusError, "request body too large")
			return
		}
		wire.WriteAck(w, http.StatusBadRequest, wire.StatusError, "failed to read body")
		return
	}

	snap, err := telemetry.Decode(mediaType(r), body)
	if err != nil {
		s.sink.reject()
		s.logger.Debug("rejected controller input", "error", err)
		wire.WriteAck(w, http.StatusBadRequest, wire.StatusError, err.Error())
		return
	}

	s.sink.Accept(snap)
	wire.WriteAck(w, http.StatusOK, wire.StatusSuccess, MessageReceived)
}

// stateResponse is the body of GET /controller-state.
type stateResponse struct {
	ButtonStates map[string]telemetry.ButtonState `json:"button_states"`
	AxisValues   map[string]float64               `json:"axis_values"`
	HatValues    map[string]telemetry.Hat         `json:"hat_values"`
	ReceivedAt   time.Time                        `json:"received_at"`
}

func (s *Server) handleControllerState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		wire.WriteAck(w, http.StatusMethodNotAllowed, wire.StatusError, "method not allowed")
		return
	}
	snap, at, ok := s.sink.Snapshot()
	if !ok {
		wire.WriteAck(w, http.StatusNotFound, wire.StatusError, "no controller input received yet")
		return
	}
	wire.WriteJSON(w, http.StatusOK, stateResponse{
		ButtonStates: snap.ButtonStates,
		AxisValues:   snap.AxisValues,
		HatValues:    snap.HatValues,
		ReceivedAt:   at,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		wire.WriteAck(w, http.StatusMethodNotAllowed, wire.StatusError, "method not allowed")
		return
	}
	resp := struct {
		Ingest    Counters `json:"ingest"`
		Publisher any      `json:"publisher,omitempty"`
	}{Ingest: s.sink.Counters()}
	if s.opts.Status != nil {
		resp.Publisher = s.opts.Status()
	}
	wire.WriteJSON(w, http.StatusOK, resp)
}

// mediaType returns the request's content type without parameters.
func mediaType(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return telemetry.ContentTypeJSON
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return ct
	}
	return mt
}
