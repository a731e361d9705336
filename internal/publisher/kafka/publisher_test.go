package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		r.Partition = 2
		r.Offset = 41
		f.records = append(f.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func TestPublishKeysRecordByJob(t *testing.T) {
	t.Parallel()

	fake := &fakeProducer{}
	pub := &Publisher{client: fake, topic: "grid-results"}

	id, err := pub.Publish(context.Background(), "", []byte("payload"), map[string]string{"jobId": "job-7"})
	require.NoError(t, err)
	assert.Equal(t, "2@41", id)

	require.Len(t, fake.records, 1)
	rec := fake.records[0]
	assert.Equal(t, "grid-results", rec.Topic)
	assert.Equal(t, []byte("job-7"), rec.Key)
	assert.Equal(t, []kgo.RecordHeader{{Key: "jobId", Value: []byte("job-7")}}, rec.Headers)

	pub.Close()
	assert.True(t, fake.closed)
}

func TestPublishErrors(t *testing.T) {
	t.Parallel()

	fake := &fakeProducer{err: errors.New("not leader")}
	pub := &Publisher{client: fake}
	_, err := pub.Publish(context.Background(), "", nil, nil)
	require.ErrorContains(t, err, "destination topic is required")

	_, err = pub.Publish(context.Background(), "other", []byte("x"), nil)
	require.ErrorContains(t, err, "not leader")

	_, err = New(Config{})
	require.Error(t, err)
}
