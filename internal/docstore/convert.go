package docstore

import (
	"encoding/base64"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"recordexport/internal/normalize"
)

const idKey = "_id"

// ToDocument converts a decoded BSON document, keeping field order. The _id
// becomes the document ID; an ObjectID also supplies the creation time.
func ToDocument(d bson.D) *normalize.Document {
	doc := normalize.NewDocument("")
	for _, e := range d {
		if e.Key == idKey {
			doc.ID, doc.Created = identity(e.Value)
			continue
		}
		doc.Set(e.Key, toValue(e.Value))
	}
	return doc
}

func identity(v any) (string, *time.Time) {
	switch id := v.(type) {
	case primitive.ObjectID:
		ts := id.Timestamp().UTC()
		return id.Hex(), &ts
	case string:
		return id, nil
	case nil:
		return "", nil
	default:
		return fmt.Sprint(id), nil
	}
}

func toValue(v any) normalize.Value {
	switch t := v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return normalize.Null()
	case primitive.D:
		doc := normalize.NewDocument("")
		for _, e := range t {
			doc.Set(e.Key, toValue(e.Value))
		}
		return normalize.Map(doc)
	case primitive.M:
		doc := normalize.NewDocument("")
		for _, k := range slices.Sorted(maps.Keys(t)) {
			doc.Set(k, toValue(t[k]))
		}
		return normalize.Map(doc)
	case primitive.A:
		items := make([]normalize.Value, 0, len(t))
		for _, it := range t {
			items = append(items, toValue(it))
		}
		return normalize.List(items...)
	case primitive.DateTime:
		return normalize.Time(t.Time().UTC())
	case primitive.Timestamp:
		return normalize.Time(time.Unix(int64(t.T), 0).UTC())
	case primitive.ObjectID:
		return normalize.String(t.Hex())
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return normalize.String(t.String())
		}
		return normalize.Number(f)
	case primitive.Binary:
		return normalize.String(base64.StdEncoding.EncodeToString(t.Data))
	case primitive.Symbol:
		return normalize.String(string(t))
	case primitive.Regex:
		return normalize.String(t.String())
	case string, bool, float64, int32, int64, int, time.Time:
		return normalize.FromAny(t)
	default:
		return normalize.String(fmt.Sprint(t))
	}
}
