package operation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/blegw/internal/device"
	"github.com/srg/blegw/internal/radio"
	"github.com/srg/blegw/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// heart rate peer handles: 2a37=2, 2a38=4, 2a39=5
const (
	hrMeasurement radio.Attribute = 2
	hrLocation    radio.Attribute = 4
	hrControl     radio.Attribute = 5
)

type ReadWriteSuite struct {
	OperationSuite
	conn radio.Connection
}

func TestReadWriteSuite(t *testing.T) {
	suite.Run(t, new(ReadWriteSuite))
}

func (s *ReadWriteSuite) SetupTest() {
	s.OperationSuite.SetupTest()
	s.conn = s.connect(peerAddress)
}

func (s *ReadWriteSuite) read(char radio.Attribute, timeout time.Duration) Result {
	op := NewRead(s.env(), s.conn, char, timeout)
	s.route(op)
	res := op.Run(context.Background())
	s.True(op.Done(), "read MUST be done after Run")
	return res
}

func (s *ReadWriteSuite) TestReadReturnsHexValue() {
	res := s.read(hrLocation, time.Second)

	s.Require().True(res.OK(), "read MUST succeed")
	value, _ := res.Field("value")
	s.Equal("000001", value)
}

func (s *ReadWriteSuite) TestReadIgnoresPushedValues() {
	// GOAL: Verify only the read response opcode satisfies a read
	//
	// TEST SCENARIO: A notification on the same characteristic precedes the read response → the response value wins

	s.Radio.SetIntercept(func(cmd testutils.Command) bool {
		if cmd.Name != testutils.CmdRead {
			return false
		}
		s.Radio.Push(cmd.Connection, cmd.Attribute, radio.AttHandleValueNotification, []byte{0xff})
		s.Radio.Push(cmd.Connection, cmd.Attribute, radio.AttReadResponse, []byte{0x2a})
		s.Radio.Emit(radio.GattProcedureCompleted{Connection: cmd.Connection})
		return true
	})

	res := s.read(hrLocation, time.Second)

	s.Require().True(res.OK())
	value, _ := res.Field("value")
	s.Equal("2a", value, "notification traffic MUST NOT be taken as the read value")
}

func (s *ReadWriteSuite) TestReadOfUnreadableCharacteristicFails() {
	res := s.read(hrControl, time.Second)

	s.False(res.OK())
	s.Equal(ReasonProcedureFailed, res.Reason)
}

func (s *ReadWriteSuite) TestReadTimesOut() {
	s.Radio.SetIntercept(func(cmd testutils.Command) bool {
		return cmd.Name == testutils.CmdRead
	})

	res := s.read(hrLocation, 20*time.Millisecond)

	s.False(res.OK())
	s.Equal(ReasonTimeout, res.Reason)
}

func (s *ReadWriteSuite) TestReadFailsWhenConnectionDrops() {
	s.Radio.SetIntercept(func(cmd testutils.Command) bool {
		if cmd.Name != testutils.CmdRead {
			return false
		}
		s.Radio.Drop(peerAddress, 0x08)
		return true
	})

	res := s.read(hrLocation, time.Second)

	s.False(res.OK())
	s.Equal(ReasonNotConnected, res.Reason)
}

func (s *ReadWriteSuite) TestWriteEchoesValue() {
	op, err := NewWrite(s.env(), s.conn, hrControl, "0A0b", time.Second)
	s.Require().NoError(err)
	s.route(op)

	res := op.Run(context.Background())

	s.Require().True(res.OK(), "write MUST succeed")
	value, _ := res.Field("value")
	s.Equal("0a0b", value, "write MUST echo the written value")

	writes := s.Radio.Commands(testutils.CmdWrite)
	s.Require().Len(writes, 1)
	s.Equal([]byte{0x0a, 0x0b}, writes[0].Value)
}

func (s *ReadWriteSuite) TestWriteRejectsMalformedHex() {
	for _, value := range []string{"zz", "abc", "0x1g"} {
		_, err := NewWrite(s.env(), s.conn, hrControl, value, time.Second)
		s.True(errors.Is(err, device.ErrInvalidHex), "%q MUST be rejected as invalid hex", value)
	}
	s.Equal(0, s.Radio.Count(testutils.CmdWrite), "malformed hex MUST NOT reach the radio")
}

func (s *ReadWriteSuite) TestWriteToReadOnlyCharacteristicFails() {
	op, err := NewWrite(s.env(), s.conn, hrLocation, "01", time.Second)
	s.Require().NoError(err)
	s.route(op)

	res := op.Run(context.Background())

	s.False(res.OK())
	s.Equal(ReasonProcedureFailed, res.Reason)
}
