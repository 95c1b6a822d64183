package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()

	require.NoError(t, r.Publish(ctx, SubjectPaymentSucceeded, "ord1", map[string]string{"order": "ord1"}))
	require.NoError(t, r.Publish(ctx, SubjectVerificationRequested, "u1", nil))

	assert.Len(t, r.Messages(""), 2)
	got := r.Messages(SubjectPaymentSucceeded)
	require.Len(t, got, 1)
	assert.Equal(t, "ord1", got[0].ID)
}

func TestLogPublisher(t *testing.T) {
	var p Publisher = LogPublisher{}
	assert.NoError(t, p.Publish(context.Background(), SubjectPaymentFailed, "ord2", nil))
	assert.NoError(t, p.Close())
}

func TestNATSPublisher(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	p, err := NewNATS(url)
	require.NoError(t, err)
	defer p.Close()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	sub, err := nc.SubscribeSync(SubjectPaymentSucceeded)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, p.Publish(context.Background(), SubjectPaymentSucceeded, "ord42", map[string]int64{"amount": 15000}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ord42", msg.Header.Get(nats.MsgIdHdr))

	var body map[string]int64
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.EqualValues(t, 15000, body["amount"])
}
