package tibber_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewatt/tibberlink/internal/api"
	"github.com/edgewatt/tibberlink/internal/api/mocks"
	"github.com/edgewatt/tibberlink/internal/models"
	"github.com/edgewatt/tibberlink/internal/realtime"
	"github.com/edgewatt/tibberlink/internal/tibber"
)

// The subscription endpoint points at a closed local port so a connect
// attempt fails fast with a network error instead of reaching out.
const viewerJSON = `{
  "viewer": {
    "name": "Arya Winters",
    "userId": "dcc2355e-6f55-45c2-beb9-274241fe450c",
    "websocketSubscriptionUrl": "ws://127.0.0.1:1/sub",
    "homes": [
      {"id": "home-active", "subscriptions": [{"status": "RUNNING"}]},
      {"id": "home-ended", "subscriptions": [{"status": "ended"}]},
      {"id": "home-bare", "subscriptions": []}
    ]
  }
}`

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestClient(executor api.Executor) *tibber.Client {
	logger := newTestLogger()
	manager := realtime.NewManager("test-token", "test-agent", logger)
	return tibber.NewClient(executor, manager, logger, time.UTC)
}

func envelopeWith(data string) *models.GraphQLEnvelope {
	return &models.GraphQLEnvelope{Data: json.RawMessage(data)}
}

func TestUpdateInfo(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExecutor := mocks.NewMockExecutor(ctrl)
	mockExecutor.EXPECT().
		Execute(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(envelopeWith(viewerJSON), nil)

	client := newTestClient(mockExecutor)
	require.NoError(t, client.UpdateInfo(context.Background()))

	assert.Equal(t, "Arya Winters", client.Name())
	assert.Equal(t, "dcc2355e-6f55-45c2-beb9-274241fe450c", client.UserID())
	assert.Equal(t, []string{"home-active", "home-ended", "home-bare"}, client.HomeIDs(false))
	assert.Equal(t, []string{"home-active"}, client.HomeIDs(true),
		"a running subscription counts regardless of case")

	// The manager must have been bound to the discovered endpoint: connecting
	// now fails on the wire, not on a missing endpoint.
	err := client.Realtime().Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrNetwork))
	assert.False(t, errors.Is(err, api.ErrEndpointMissing))
}

func TestUpdateInfoInvalidLogin(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	gqlErr := models.GraphQLError{Message: "invalid token"}
	gqlErr.Extensions.Code = "UNAUTHENTICATED"

	mockExecutor := mocks.NewMockExecutor(ctrl)
	mockExecutor.EXPECT().
		Execute(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(&models.GraphQLEnvelope{Errors: []models.GraphQLError{gqlErr}}, nil)

	client := newTestClient(mockExecutor)
	err := client.UpdateInfo(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrInvalidLogin))

	var httpErr *api.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusOK, httpErr.Status)
	assert.Equal(t, "UNAUTHENTICATED", httpErr.ExtensionCode)
	assert.Contains(t, httpErr.Message, "invalid token")
}

func TestUpdateInfoWithoutWebsocketURL(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExecutor := mocks.NewMockExecutor(ctrl)
	mockExecutor.EXPECT().
		Execute(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(envelopeWith(`{"viewer":{"name":"Arya Winters","homes":[{"id":"home-1"}]}}`), nil)

	client := newTestClient(mockExecutor)
	require.NoError(t, client.UpdateInfo(context.Background()))

	// Without a subscription endpoint the viewer info is not applied
	assert.Empty(t, client.Name())
	assert.Empty(t, client.HomeIDs(false))

	err := client.Realtime().Connect(context.Background())
	assert.True(t, errors.Is(err, api.ErrEndpointMissing))
}

func TestUpdateInfoExecuteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	wireErr := fmt.Errorf("%w: connection refused", api.ErrNetwork)
	mockExecutor := mocks.NewMockExecutor(ctrl)
	mockExecutor.EXPECT().
		Execute(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(nil, wireErr)

	client := newTestClient(mockExecutor)
	err := client.UpdateInfo(context.Background())
	assert.True(t, errors.Is(err, api.ErrNetwork))
}

func TestHomeRegistry(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExecutor := mocks.NewMockExecutor(ctrl)
	mockExecutor.EXPECT().
		Execute(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(envelopeWith(viewerJSON), nil)

	client := newTestClient(mockExecutor)
	require.NoError(t, client.UpdateInfo(context.Background()))

	home := client.Home("home-active")
	require.NotNil(t, home)
	assert.Equal(t, "home-active", home.ID())
	assert.Same(t, home, client.Home("home-active"), "home instances must be reused")

	assert.Nil(t, client.Home("unknown"), "a home outside the account must not be fabricated")

	assert.Len(t, client.Homes(false), 3)
	active := client.Homes(true)
	require.Len(t, active, 1)
	assert.Equal(t, "home-active", active[0].ID())
}

func TestSendNotification(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExecutor := mocks.NewMockExecutor(ctrl)
	mockExecutor.EXPECT().
		Execute(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, query string, variables map[string]interface{}) (*models.GraphQLEnvelope, error) {
			input, ok := variables["input"].(map[string]any)
			require.True(t, ok, "notification input must be sent as a variable")
			assert.Equal(t, "Price alert", input["title"])
			assert.Equal(t, "Cheap hour ahead", input["message"])
			return envelopeWith(`{"sendPushNotification":{"successful":true,"pushedToNumberOfDevices":2}}`), nil
		})

	client := newTestClient(mockExecutor)
	ok, err := client.SendNotification(context.Background(), "Price alert", "Cheap hour ahead")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSendNotificationRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockExecutor := mocks.NewMockExecutor(ctrl)
	mockExecutor.EXPECT().
		Execute(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(envelopeWith(`{"sendPushNotification":{"successful":false,"pushedToNumberOfDevices":0}}`), nil)

	client := newTestClient(mockExecutor)
	ok, err := client.SendNotification(context.Background(), "Price alert", "Cheap hour ahead")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchConsumptionDataActiveHomes(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	from := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Hour)
	historic := fmt.Sprintf(
		`{"viewer":{"home":{"consumption":{"nodes":[{"from":%q,"consumption":2.5,"consumptionUnit":"kWh","cost":1.0,"totalCost":1.25}]}}}}`,
		from.Format(time.RFC3339))

	mockExecutor := mocks.NewMockExecutor(ctrl)
	mockExecutor.EXPECT().
		Execute(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(envelopeWith(viewerJSON), nil)
	mockExecutor.EXPECT().
		Execute(gomock.Any(), gomock.Any(), gomock.Nil()).
		Return(envelopeWith(historic), nil)

	client := newTestClient(mockExecutor)
	require.NoError(t, client.UpdateInfo(context.Background()))
	require.NoError(t, client.FetchConsumptionDataActiveHomes(context.Background()))

	home := client.Home("home-active")
	require.NotNil(t, home)
	nodes := home.HourlyConsumptionData()
	require.Len(t, nodes, 1)
	assert.Equal(t, from, nodes[0].From)
	require.NotNil(t, nodes[0].Consumption)
	assert.Equal(t, 2.5, *nodes[0].Consumption)
}
