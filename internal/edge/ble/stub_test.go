package ble

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated_WriteFailsBeforeConnect(t *testing.T) {
	s := NewSimulated()
	err := s.Write(context.Background(), []byte("hi"))
	assert.Error(t, err)
}

func TestSimulated_ConnectThenWriteSucceeds(t *testing.T) {
	s := NewSimulated()
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Write(context.Background(), []byte("hi")))
	assert.Equal(t, [][]byte{[]byte("hi")}, s.Writes())
}

func TestSimulated_FeedDeliversOnNotifications(t *testing.T) {
	s := NewSimulated()
	require.NoError(t, s.Connect(context.Background()))
	s.Feed([]byte("frame"))

	select {
	case got := <-s.Notifications():
		assert.Equal(t, []byte("frame"), got)
	default:
		t.Fatal("expected a queued notification")
	}
}

func TestSimulated_FeedBeforeConnectIsANoOp(t *testing.T) {
	s := NewSimulated()
	s.Feed([]byte("frame"))

	select {
	case <-s.Notifications():
		t.Fatal("should not have delivered before Connect")
	default:
	}
}

func TestSimulated_DropClosesNotificationsAndAllowsReconnect(t *testing.T) {
	s := NewSimulated()
	require.NoError(t, s.Connect(context.Background()))
	ch := s.Notifications()

	s.Drop()
	_, ok := <-ch
	assert.False(t, ok, "old notification channel should be closed on drop")

	require.NoError(t, s.Connect(context.Background()))
	s.Feed([]byte("frame"))
	got, ok := <-s.Notifications()
	require.True(t, ok)
	assert.Equal(t, []byte("frame"), got)
}

func TestSimulated_DisconnectIsSafeToCallTwice(t *testing.T) {
	s := NewSimulated()
	require.NoError(t, s.Connect(context.Background()))
	assert.NoError(t, s.Disconnect())
	assert.NoError(t, s.Disconnect())
}
