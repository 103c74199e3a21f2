package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/jobs"
)

type recordingClient struct {
	tasks []*asynq.Task
}

func (r *recordingClient) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{ID: "t-1", Type: task.Type(), Queue: jobs.QueueCritical}, nil
}

type fakeInspector map[string]*asynq.QueueInfo

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if info, ok := f[queue]; ok {
		return info, nil
	}
	return nil, asynq.ErrQueueNotFound
}

func TestRunTriggerPeriodClose(t *testing.T) {
	client := &recordingClient{}
	c := &JobsCLI{client: client}
	var out bytes.Buffer

	err := c.Run(context.Background(), []string{"trigger", jobs.TaskPeriodClose, "-company", "4", "-year", "2024", "-month", "2"}, &out)
	require.NoError(t, err)
	require.Len(t, client.tasks, 1)
	require.Contains(t, out.String(), "enqueued "+jobs.TaskPeriodClose)

	var payload jobs.PeriodClosePayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &payload))
	require.Equal(t, jobs.PeriodClosePayload{CompanyID: 4, Year: 2024, Month: 2}, payload)
}

func TestRunTriggerSingleBatchClose(t *testing.T) {
	client := &recordingClient{}
	c := &JobsCLI{client: client}
	var out bytes.Buffer

	err := c.Run(context.Background(), []string{"trigger", jobs.TaskPeriodClose, "-company", "4", "-batch", "12", "-year", "2024", "-month", "2"}, &out)
	require.NoError(t, err)
	require.Len(t, client.tasks, 1)

	var payload jobs.PeriodClosePayload
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &payload))
	require.Equal(t, jobs.PeriodClosePayload{CompanyID: 4, BatchID: 12, Year: 2024, Month: 2}, payload)
}

func TestRunRejectsUnknownInput(t *testing.T) {
	c := &JobsCLI{client: &recordingClient{}}
	var out bytes.Buffer
	require.Error(t, c.Run(context.Background(), nil, &out))
	require.Error(t, c.Run(context.Background(), []string{"trigger", "report:pdf"}, &out))
	require.Error(t, c.Run(context.Background(), []string{"purge"}, &out))
}

func TestRunStats(t *testing.T) {
	c := &JobsCLI{inspector: fakeInspector{jobs.QueueDefault: {Queue: jobs.QueueDefault, Pending: 3, Retry: 1}}}
	var out bytes.Buffer
	require.NoError(t, c.Run(context.Background(), []string{"stats"}, &out))
	require.Contains(t, out.String(), "pending=3")
	require.Contains(t, out.String(), jobs.QueueCritical)
}
