package main

import (
	"testing"

	"github.com/srg/blegw/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type DecodeTestSuite struct {
	CommandTestSuite
}

func (s *DecodeTestSuite) SetupTest() {
	decodeJSON = false
}

func (s *DecodeTestSuite) TearDownTest() {
	decodeJSON = false
}

func (s *DecodeTestSuite) TestDecodeText() {
	// GOAL: Verify payloads are printed one field per line with type names
	//
	// TEST SCENARIO: Flags + complete local name → two named fields, name shown as text

	out, err := s.ExecuteCommand(rootCmd, "decode", "0201060709746865726d6f")
	s.Require().NoError(err, "decode MUST succeed")

	testutils.NewTextAsserter(s.T()).Assert(out, `
Payload 1: 2 field(s)
  01 Flags                    06
  09 Complete Local Name      746865726d6f "thermo"
`)
}

func (s *DecodeTestSuite) TestDecodeJSON() {
	out, err := s.ExecuteCommand(rootCmd, "decode", "--json", "02010603031a18", "0x0201")
	s.Require().NoError(err, "decode MUST succeed")

	testutils.NewJSONAsserter(s.T()).Assert(out, `[
		[
			{"length": 2, "type": "01", "data": "06"},
			{"length": 3, "type": "03", "data": "1a18"}
		],
		[
			{"length": 2, "type": "01", "data": ""}
		]
	]`)
}

func (s *DecodeTestSuite) TestDecodeInvalidHex() {
	_, err := s.ExecuteCommand(rootCmd, "decode", "02zz")
	s.Require().Error(err, "invalid hex MUST fail")
	s.Contains(err.Error(), "invalid advertisement hex")
}

func TestDecodeTestSuite(t *testing.T) {
	suite.Run(t, new(DecodeTestSuite))
}
