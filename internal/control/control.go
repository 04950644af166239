// Package control exposes the access point and the topic registry over HTTP.
// Every route answers with the JSON body of an operation result and uses
// the result's code as the HTTP status.
package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/accesspoint"
	"github.com/srg/blegw/internal/adv"
	"github.com/srg/blegw/internal/operation"
	"github.com/srg/blegw/internal/topics"
)

const (
	// DefaultRetries is used when a request does not say how often to retry.
	DefaultRetries = 3

	maxBodySize = 1 << 20

	ReasonConnectionNotFound = "Connection not found"
	ReasonUnknownDevice      = "unknown device"
)

type serviceRef struct {
	ServiceID string `json:"serviceID"`
}

type bleRequest struct {
	Services         []serviceRef        `json:"services,omitempty"`
	ServiceID        string              `json:"serviceID,omitempty"`
	CharacteristicID string              `json:"characteristicID,omitempty"`
	Type             topics.Kind         `json:"type,omitempty"`
	FilterType       adv.FilterType      `json:"filterType,omitempty"`
	Filters          []topics.FilterSpec `json:"filters,omitempty"`
}

// request is the union of every route's parameters. Query parameters are
// read first and a JSON body overrides them.
type request struct {
	ID         string            `json:"id,omitempty"`
	Address    string            `json:"address,omitempty"`
	BLE        bleRequest        `json:"ble"`
	Retries    *int              `json:"retries,omitempty"`
	Value      string            `json:"value,omitempty"`
	Topic      string            `json:"topic,omitempty"`
	DataFormat topics.DataFormat `json:"dataFormat,omitempty"`
}

func (r request) services() []string {
	out := make([]string, 0, len(r.BLE.Services))
	for _, s := range r.BLE.Services {
		if s.ServiceID != "" {
			out = append(out, s.ServiceID)
		}
	}
	return out
}

func (r request) retries() int {
	if r.Retries == nil || *r.Retries < 0 {
		return DefaultRetries
	}
	return *r.Retries
}

// Server routes HTTP requests onto an access point.
type Server struct {
	ap     accesspoint.AccessPoint
	store  topics.Store
	logger *logrus.Logger
}

func New(ap accesspoint.AccessPoint, store topics.Store, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Server{ap: ap, store: store, logger: logger}
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.requestLogger(mux)
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /nipc/connectivity/connection", s.handleConnect)
	mux.HandleFunc("GET /nipc/connectivity/connection", s.handleConnection)
	mux.HandleFunc("DELETE /nipc/connectivity/connection", s.handleDisconnect)
	mux.HandleFunc("GET /nipc/connectivity/services", s.handleDiscover)

	mux.HandleFunc("GET /nipc/data/attribute", s.handleRead)
	mux.HandleFunc("POST /nipc/data/attribute", s.handleWrite)
	mux.HandleFunc("PUT /nipc/data/attribute", s.handleWrite)
	mux.HandleFunc("POST /nipc/data/subscription", s.handleSubscribe)
	mux.HandleFunc("PUT /nipc/data/subscription", s.handleSubscribe)
	mux.HandleFunc("DELETE /nipc/data/subscription", s.handleUnsubscribe)

	mux.HandleFunc("POST /nipc/registration/topic", s.handleRegister)
	mux.HandleFunc("PUT /nipc/registration/topic", s.handleRegister)
	mux.HandleFunc("DELETE /nipc/registration/topic", s.handleUnregister)
	mux.HandleFunc("DELETE /nipc/registration/topic/{topic}", s.handleUnregister)
	mux.HandleFunc("GET /nipc/registration/topic", s.handleTopic)
	mux.HandleFunc("GET /nipc/registration/topic/{topic}", s.handleTopic)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ready := false
	select {
	case <-s.ap.Ready():
		ready = true
	default:
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(s.logger, w, status, map[string]any{
		"ready":       ready,
		"connectable": s.ap.Connectable(),
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	req, address, ok := s.parse(w, r)
	if !ok {
		return
	}
	s.writeResult(w, s.ap.Connect(r.Context(), address, req.services(), req.retries()))
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	_, address, ok := s.parse(w, r)
	if !ok {
		return
	}
	info, found := s.ap.Connection(address)
	if !found {
		res := operation.Failure(ReasonConnectionNotFound)
		res.Code = http.StatusOK
		s.writeResult(w, res)
		return
	}
	s.writeResult(w, operation.Success(map[string]any{
		"address":     info.Address,
		"connectedAt": info.ConnectedAt.UTC().Format(time.RFC3339),
		"services":    info.Services,
	}))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	_, address, ok := s.parse(w, r)
	if !ok {
		return
	}
	s.writeResult(w, s.ap.Disconnect(r.Context(), address))
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	req, address, ok := s.parse(w, r)
	if !ok {
		return
	}
	s.writeResult(w, s.ap.Discover(r.Context(), address, req.services(), req.retries()))
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	req, address, ok := s.parse(w, r)
	if !ok {
		return
	}
	s.writeResult(w, s.ap.Read(r.Context(), address, req.BLE.ServiceID, req.BLE.CharacteristicID))
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	req, address, ok := s.parse(w, r)
	if !ok {
		return
	}
	s.writeResult(w, s.ap.Write(r.Context(), address, req.BLE.ServiceID, req.BLE.CharacteristicID, req.Value))
}

// handleSubscribe optionally registers a gatt topic for the characteristic
// before arming the subscription, so the first notification is routed.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	req, address, ok := s.parse(w, r)
	if !ok {
		return
	}
	if req.Topic != "" {
		deviceID := req.ID
		if deviceID == "" {
			d, found, err := s.store.DeviceByAddress(address)
			if err != nil {
				s.internalError(w, err)
				return
			}
			if found {
				deviceID = d.ID
			}
		}
		_, err := topics.Register(s.store, topics.Registration{
			Topic:          req.Topic,
			DataFormat:     req.DataFormat,
			DeviceID:       deviceID,
			Kind:           topics.KindGatt,
			Service:        req.BLE.ServiceID,
			Characteristic: req.BLE.CharacteristicID,
		})
		if err != nil {
			s.registrationError(w, err)
			return
		}
	}
	s.writeResult(w, s.ap.Subscribe(r.Context(), address, req.BLE.ServiceID, req.BLE.CharacteristicID))
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	req, address, ok := s.parse(w, r)
	if !ok {
		return
	}
	s.writeResult(w, s.ap.Unsubscribe(r.Context(), address, req.BLE.ServiceID, req.BLE.CharacteristicID))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	reg, err := topics.Register(s.store, topics.Registration{
		Topic:          req.Topic,
		DataFormat:     req.DataFormat,
		DeviceID:       req.ID,
		Kind:           req.BLE.Type,
		Service:        req.BLE.ServiceID,
		Characteristic: req.BLE.CharacteristicID,
		FilterType:     req.BLE.FilterType,
		Filters:        req.BLE.Filters,
	})
	if err != nil {
		s.registrationError(w, err)
		return
	}
	s.logger.WithFields(logrus.Fields{"topic": reg.Topic, "type": req.BLE.Type}).Info("Topic registered")
	s.writeResult(w, operation.Success(map[string]any{"id": reg.ID, "topic": reg.Topic}))
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	topic, ok := s.topicParam(w, r)
	if !ok {
		return
	}
	if err := s.store.Unregister(topic); err != nil {
		s.registrationError(w, err)
		return
	}
	s.logger.WithField("topic", topic).Info("Topic unregistered")
	s.writeResult(w, operation.Success(map[string]any{"topic": topic}))
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	topic, ok := s.topicParam(w, r)
	if !ok {
		return
	}
	kinds, err := s.store.Kinds(topic)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if len(kinds) == 0 {
		s.writeResult(w, operation.Failure(topics.ErrTopicNotFound.Error()))
		return
	}
	s.writeResult(w, operation.Success(map[string]any{
		"topics": []map[string]any{{"topic": topic, "types": kinds}},
	}))
}

func (s *Server) topicParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	if topic := r.PathValue("topic"); topic != "" {
		return topic, true
	}
	req, ok := s.decode(w, r)
	if !ok {
		return "", false
	}
	if req.Topic == "" {
		s.writeResult(w, operation.Failure("topic is required"))
		return "", false
	}
	return req.Topic, true
}

// parse decodes the request and resolves the peer address, either given
// directly or through the onboarded device id.
func (s *Server) parse(w http.ResponseWriter, r *http.Request) (request, string, bool) {
	req, ok := s.decode(w, r)
	if !ok {
		return req, "", false
	}
	if req.Address != "" {
		return req, req.Address, true
	}
	if req.ID == "" {
		s.writeResult(w, operation.Failure("id or address is required"))
		return req, "", false
	}
	d, found, err := s.store.DeviceByID(req.ID)
	if err != nil {
		s.internalError(w, err)
		return req, "", false
	}
	if !found {
		s.writeResult(w, operation.Failure(ReasonUnknownDevice))
		return req, "", false
	}
	return req, d.MAC, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (request, bool) {
	req, err := fromQuery(r)
	if err == nil {
		err = fromBody(r, &req)
	}
	if err != nil {
		s.writeResult(w, operation.Failure(fmt.Sprintf("invalid request: %v", err)))
		return req, false
	}
	return req, true
}

func fromQuery(r *http.Request) (request, error) {
	q := r.URL.Query()
	first := func(names ...string) string {
		for _, n := range names {
			if v := q.Get(n); v != "" {
				return v
			}
		}
		return ""
	}

	req := request{
		ID:         q.Get("id"),
		Address:    q.Get("address"),
		Topic:      q.Get("topic"),
		DataFormat: topics.DataFormat(q.Get("dataFormat")),
		BLE: bleRequest{
			ServiceID:        first("ble[serviceID]", "service"),
			CharacteristicID: first("ble[characteristicID]", "characteristic"),
		},
	}
	for _, name := range []string{"ble[services][serviceID]", "service"} {
		for _, v := range q[name] {
			for _, id := range strings.Split(v, ",") {
				if id = strings.TrimSpace(id); id != "" {
					req.BLE.Services = append(req.BLE.Services, serviceRef{ServiceID: id})
				}
			}
		}
	}
	if v := q.Get("retries"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, fmt.Errorf("retries %q is not a number", v)
		}
		req.Retries = &n
	}
	return req, nil
}

func fromBody(r *http.Request, req *request) error {
	if r.Body == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, req)
}

func (s *Server) registrationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, topics.ErrTopicNotFound),
		errors.Is(err, topics.ErrDeviceRequired),
		errors.Is(err, topics.ErrUnknownDevice),
		errors.Is(err, topics.ErrUnknownKind),
		errors.Is(err, topics.ErrInvalid):
		s.writeResult(w, operation.Failure(err.Error()))
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.WithError(err).Error("Control request failed")
	res := operation.Failure(err.Error())
	res.Code = http.StatusInternalServerError
	s.writeResult(w, res)
}

func (s *Server) writeResult(w http.ResponseWriter, res operation.Result) {
	writeJSON(s.logger, w, res.Code, res)
}

func writeJSON(logger *logrus.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Error("Failed to write JSON")
	}
}
