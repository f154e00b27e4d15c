package docstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"recordexport/internal/apperr"
	"recordexport/internal/docstore"
	"recordexport/internal/normalize"
	"recordexport/internal/routing"
)

type fakeCollection struct {
	docs    []interface{}
	err     error
	filters []bson.D
}

func (f *fakeCollection) Find(_ context.Context, filter interface{}, _ ...*options.FindOptions) (*mongo.Cursor, error) {
	f.filters = append(f.filters, filter.(bson.D))
	if f.err != nil {
		return nil, f.err
	}
	return mongo.NewCursorFromDocuments(f.docs, nil, nil)
}

type fakeDB map[string]*fakeCollection

func (db fakeDB) Collection(name string) docstore.Finder {
	c, ok := db[name]
	if !ok {
		c = &fakeCollection{}
		db[name] = c
	}
	return c
}

func TestFindByIdentifier_ConvertsDocuments(t *testing.T) {
	oid := primitive.NewObjectIDFromTimestamp(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	recorded := time.Date(2024, 3, 2, 8, 30, 0, 0, time.UTC)
	sessions := &fakeCollection{docs: []interface{}{
		bson.D{
			{Key: "_id", Value: oid},
			{Key: "subjectId", Value: "abc123"},
			{Key: "HeartRate", Value: int32(72)},
			{Key: "CreatedAt", Value: primitive.NewDateTimeFromTime(recorded)},
			{Key: "notes", Value: bson.D{{Key: "text", Value: "ok"}}},
			{Key: "tags", Value: bson.A{"a", int64(2)}},
		},
	}}
	store := docstore.New(fakeDB{"sessions": sessions})

	docs, err := store.FindByIdentifier(context.Background(), routing.DefaultRoutes()[1], "abc123")
	require.NoError(t, err)
	require.Len(t, docs, 1)

	doc := docs[0]
	assert.Equal(t, oid.Hex(), doc.ID)
	require.NotNil(t, doc.Created)
	assert.True(t, doc.Created.Equal(oid.Timestamp()))
	assert.Equal(t, []string{"subjectId", "HeartRate", "CreatedAt", "notes", "tags"}, doc.Keys())

	hr, _ := doc.Get("HeartRate")
	assert.Equal(t, 72.0, hr.Num())
	created, _ := doc.Get("CreatedAt")
	assert.Equal(t, normalize.KindTime, created.Kind())
	assert.True(t, created.Time().Equal(recorded))
	notes, _ := doc.Get("notes")
	assert.Equal(t, normalize.KindMap, notes.Kind())
	tags, _ := doc.Get("tags")
	assert.Len(t, tags.Items(), 2)

	assert.Equal(t, bson.D{{Key: "subjectId", Value: "abc123"}}, sessions.filters[0])
}

func TestFindRecord_NumericRoute(t *testing.T) {
	legacy := &fakeCollection{}
	store := docstore.New(fakeDB{"legacy": legacy})

	docs, err := store.FindRecord(context.Background(), routing.DefaultRoutes()[0], "42", "2024-01-01")
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Equal(t, bson.D{
		{Key: "userId", Value: int64(42)},
		{Key: "recordId", Value: "2024-01-01"},
	}, legacy.filters[0])
}

func TestFindRecord_NonNumericOnNumericRoute(t *testing.T) {
	store := docstore.New(fakeDB{})
	_, err := store.FindRecord(context.Background(), routing.DefaultRoutes()[0], "abc", "r")
	assert.True(t, apperr.IsValidation(err))
}

func TestFind_TransportError(t *testing.T) {
	store := docstore.New(fakeDB{"sessions": {err: errors.New("server selection timeout")}})

	_, err := store.FindByIdentifier(context.Background(), routing.DefaultRoutes()[1], "abc")

	var te *apperr.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "sessions", te.Target)
}

func TestToDocument_UnusualTypes(t *testing.T) {
	dec, err := primitive.ParseDecimal128("12.5")
	require.NoError(t, err)

	doc := docstore.ToDocument(bson.D{
		{Key: "_id", Value: "custom"},
		{Key: "amount", Value: dec},
		{Key: "blob", Value: primitive.Binary{Data: []byte("hi")}},
		{Key: "missing", Value: nil},
	})

	assert.Equal(t, "custom", doc.ID)
	assert.Nil(t, doc.Created)
	amount, _ := doc.Get("amount")
	assert.Equal(t, 12.5, amount.Num())
	blob, _ := doc.Get("blob")
	assert.Equal(t, "aGk=", blob.Str())
	missing, _ := doc.Get("missing")
	assert.Equal(t, normalize.KindNull, missing.Kind())
}
