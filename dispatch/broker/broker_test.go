package broker_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/watershed-dss/wqdss"
	"github.com/watershed-dss/wqdss/dispatch/broker"
)

func TestPublisherPublishesSweepTask(t *testing.T) {
	dialer, ch := newMockDialer()

	pub, err := broker.NewPublisherWithDialer("amqp://unused", "sweep-tasks", dialer)
	require.NoError(t, err)
	defer pub.Close()

	task := broker.SweepTask{
		TaskID:      "task-1",
		ModelName:   "default",
		Permutation: wqdss.Permutation{"flows.csv": {Col: "v_hangq", Value: 1.5}},
		OutputFile:  "out.csv",
	}
	require.NoError(t, pub.Publish(task))

	require.Len(t, ch.published, 1)
	require.Equal(t, "sweep-tasks", ch.publishedKeys[0])

	var decoded broker.SweepTask
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &decoded))
	require.Equal(t, task.TaskID, decoded.TaskID)
	require.Equal(t, task.ModelName, decoded.ModelName)
	require.InDelta(t, 1.5, decoded.Permutation["flows.csv"].Value, 0.0001)
}

func TestNewPublisherWithDialerPropagatesDialError(t *testing.T) {
	dialer := &mockDialer{dialErr: errors.New("connection refused")}
	_, err := broker.NewPublisherWithDialer("amqp://unused", "sweep-tasks", dialer)
	require.Error(t, err)
}

func TestNewConsumerSetsPrefetchToOne(t *testing.T) {
	dialer, ch := newMockDialer()

	c, err := broker.NewConsumerWithDialer("amqp://unused", "sweep-tasks", dialer)
	require.NoError(t, err)
	defer c.Close()

	require.True(t, ch.qosCalled)
	require.Equal(t, 1, ch.qosPrefetch)
}
