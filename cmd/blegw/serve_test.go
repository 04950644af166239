package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blegw/internal/radio/goble"
	"github.com/srg/blegw/internal/testutils"
	"github.com/srg/blegw/pkg/config"
	"github.com/stretchr/testify/suite"
)

type ServeTestSuite struct {
	suite.Suite

	logger *logrus.Logger
	cfg    *config.Config
}

func (s *ServeTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)

	s.cfg = config.DefaultConfig()
	s.cfg.AccessPoint = config.AccessPointSimulated
	s.cfg.BootTimeout = time.Second
	s.cfg.Simulation.ScanInterval = time.Second
	s.cfg.Devices = []config.Device{{ID: "thermo-1", MAC: "AA:BB:CC:11:22:33"}}
}

func (s *ServeTestSuite) request(server *httptest.Server, method, path, body string) (int, string) {
	req, err := http.NewRequest(method, server.URL+path, strings.NewReader(body))
	s.Require().NoError(err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp.StatusCode, string(data)
}

func (s *ServeTestSuite) TestSimulatedGatewayWithSQLiteStore() {
	// GOAL: Verify serve wiring brings up a working gateway end to end
	//
	// TEST SCENARIO: Simulated AP + SQLite store + onboarded device → healthz ready, connect by id, register topic

	s.cfg.Store.Driver = config.StoreSQLite
	s.cfg.Store.Path = filepath.Join(s.T().TempDir(), "blegw.db")

	gw, err := newGateway(s.cfg, s.logger, true)
	s.Require().NoError(err, "gateway MUST build")
	defer gw.stop()

	s.Require().NoError(gw.start(context.Background()), "gateway MUST start")

	server := httptest.NewServer(gw.handler())
	defer server.Close()

	code, body := s.request(server, http.MethodGet, "/healthz", "")
	s.Equal(http.StatusOK, code)
	testutils.NewJSONAsserter(s.T()).Assert(body, `{"ready": true, "connectable": true}`)

	code, body = s.request(server, http.MethodPost, "/nipc/connectivity/connection", `{"id": "thermo-1"}`)
	s.Equal(http.StatusOK, code, "onboarded device MUST be connectable by id")
	testutils.NewJSONAsserter(s.T()).Assert(body, `{"status": "SUCCESS", "requestID": "<<PRESENCE>>"}`)

	code, body = s.request(server, http.MethodPost, "/nipc/registration/topic",
		`{"topic": "thermo/events", "dataFormat": "json", "ble": {"type": "connection_events"}, "id": "thermo-1"}`)
	s.Equal(http.StatusOK, code)
	testutils.NewJSONAsserter(s.T()).Assert(body, `{"status": "SUCCESS", "topic": "thermo/events"}`)

	kinds, err := gw.store.Kinds("thermo/events")
	s.Require().NoError(err)
	s.Len(kinds, 1, "registration MUST reach the SQLite store")
}

func (s *ServeTestSuite) TestRadioGatewayWithoutAdapter() {
	// GOAL: Verify a missing adapter fails startup with a readable error
	//
	// TEST SCENARIO: Radio AP on a platform without an adapter → start fails, user error suggests the simulator

	original := goble.DeviceFactory
	goble.DeviceFactory = func() (goble.Central, error) { return nil, goble.ErrUnsupportedPlatform }
	defer func() { goble.DeviceFactory = original }()

	s.cfg.AccessPoint = config.AccessPointRadio

	gw, err := newGateway(s.cfg, s.logger, true)
	s.Require().NoError(err)
	defer gw.stop()

	err = gw.start(context.Background())
	s.Require().ErrorIs(err, goble.ErrUnsupportedPlatform)
	s.Contains(formatUserError(err), "access_point: simulated")
}

func TestServeTestSuite(t *testing.T) {
	suite.Run(t, new(ServeTestSuite))
}
