package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func newMockMongo(t *testing.T) *mtest.T {
	t.Helper()
	return mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
}

func mongoStoreFor(mt *mtest.T) *MongoStore {
	return &MongoStore{cli: mt.Client, db: mt.DB}
}

func TestMongoStore_UpsertTaskNotification_ReturnsStoredIdentity(t *testing.T) {
	mt := newMockMongo(t)

	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	mt.Run("existing row keeps id and created_at", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "value", Value: bson.D{
				{Key: "_id", Value: "n-1"},
				{Key: "recipient", Value: "alice@x.com"},
				{Key: "task_id", Value: "t-1"},
				{Key: "status", Value: "done"},
				{Key: "created_at", Value: created},
				{Key: "updated_at", Value: updated},
			}},
		))

		n := &NotificationRecord{
			ID:        "fresh-id",
			Recipient: "alice@x.com",
			TaskID:    "t-1",
			Status:    "done",
			Kind:      "task_updated",
		}
		require.NoError(mt, mongoStoreFor(mt).UpsertTaskNotification(context.Background(), n))

		assert.Equal(mt, "n-1", n.ID)
		assert.True(mt, created.Equal(n.CreatedAt))
		assert.True(mt, updated.Equal(n.UpdatedAt))
	})

	mt.Run("server error is wrapped", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Name:    "BadValue",
			Message: "bad update",
		}))

		err := mongoStoreFor(mt).UpsertTaskNotification(context.Background(), &NotificationRecord{TaskID: "t-1"})
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "upserting task notification")
	})
}

func TestMongoStore_MarkAllNotificationsRead_ReportsModifiedCount(t *testing.T) {
	mt := newMockMongo(t)

	mt.Run("some unread", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 3},
			bson.E{Key: "nModified", Value: 3},
		))

		count, err := mongoStoreFor(mt).MarkAllNotificationsRead(context.Background(), "alice@x.com")
		require.NoError(mt, err)
		assert.Equal(mt, int64(3), count)
	})

	mt.Run("nothing unread is not an error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))

		count, err := mongoStoreFor(mt).MarkAllNotificationsRead(context.Background(), "alice@x.com")
		require.NoError(mt, err)
		assert.Zero(mt, count)
	})
}

func TestMongoStore_MarkNotificationRead_NotFound(t *testing.T) {
	mt := newMockMongo(t)

	mt.Run("no match maps to ErrNotFound", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))

		err := mongoStoreFor(mt).MarkNotificationRead(context.Background(), "missing", "alice@x.com")
		assert.ErrorIs(mt, err, ErrNotFound)
	})

	mt.Run("already read still matches", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
		))

		err := mongoStoreFor(mt).MarkNotificationRead(context.Background(), "n-1", "alice@x.com")
		assert.NoError(mt, err)
	})
}

func TestMongoStore_UpdateTaskDescription_NotFound(t *testing.T) {
	mt := newMockMongo(t)

	mt.Run("unknown task", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))

		err := mongoStoreFor(mt).UpdateTaskDescription(context.Background(), "t-404", "new text")
		assert.ErrorIs(mt, err, ErrNotFound)
	})
}

func TestMongoStore_GetTask_EmptyCursorIsNotFound(t *testing.T) {
	mt := newMockMongo(t)

	mt.Run("missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "teamsphere.tasks", mtest.FirstBatch))

		task, err := mongoStoreFor(mt).GetTask(context.Background(), "t-404")
		assert.Nil(mt, task)
		assert.ErrorIs(mt, err, ErrNotFound)
	})
}

func TestMongoStore_GetUser_ReadsTeam(t *testing.T) {
	mt := newMockMongo(t)

	mt.Run("manager with team", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "teamsphere.users", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "boss@x.com"},
			{Key: "name", Value: "Boss"},
			{Key: "role", Value: "manager"},
			{Key: "team", Value: bson.A{"alice@x.com", "bob@x.com"}},
		}))

		u, err := mongoStoreFor(mt).GetUser(context.Background(), "boss@x.com")
		require.NoError(mt, err)
		assert.Equal(mt, "boss@x.com", u.Email)
		assert.Equal(mt, "manager", u.Role)
		assert.Equal(mt, []string{"alice@x.com", "bob@x.com"}, u.Team)
	})

	mt.Run("unknown user", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "teamsphere.users", mtest.FirstBatch))

		_, err := mongoStoreFor(mt).GetUser(context.Background(), "ghost@x.com")
		assert.ErrorIs(mt, err, ErrNotFound)
	})
}

func TestMongoStore_ListNotifications_DecodesBatch(t *testing.T) {
	mt := newMockMongo(t)

	mt.Run("two records", func(mt *mtest.T) {
		at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "teamsphere.notifications", mtest.FirstBatch,
			bson.D{
				{Key: "_id", Value: "n-2"},
				{Key: "recipient", Value: "alice@x.com"},
				{Key: "message", Value: "second"},
				{Key: "is_read", Value: false},
				{Key: "created_at", Value: at.Add(time.Minute)},
				{Key: "updated_at", Value: at.Add(time.Minute)},
			},
			bson.D{
				{Key: "_id", Value: "n-1"},
				{Key: "recipient", Value: "alice@x.com"},
				{Key: "message", Value: "first"},
				{Key: "is_read", Value: true},
				{Key: "created_at", Value: at},
				{Key: "updated_at", Value: at},
			},
		))

		out, err := mongoStoreFor(mt).ListNotifications(context.Background(), NotificationFilter{Recipient: "alice@x.com", Limit: 10})
		require.NoError(mt, err)
		require.Len(mt, out, 2)
		assert.Equal(mt, "n-2", out[0].ID)
		assert.False(mt, out[0].Read)
		assert.True(mt, out[1].Read)
	})

	mt.Run("empty result is an empty slice", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "teamsphere.notifications", mtest.FirstBatch))

		out, err := mongoStoreFor(mt).ListNotifications(context.Background(), NotificationFilter{Recipient: "alice@x.com"})
		require.NoError(mt, err)
		assert.NotNil(mt, out)
		assert.Empty(mt, out)
	})
}
