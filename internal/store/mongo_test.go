package store

import (
	"errors"
	"iter"
	"reflect"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func docSeq(docs []datetimeDoc, failAt int, err error) iter.Seq2[datetimeDoc, error] {
	return func(yield func(datetimeDoc, error) bool) {
		for i, d := range docs {
			if i == failAt {
				yield(datetimeDoc{}, err)
				return
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

func TestRepeats(t *testing.T) {
	at := func(minute int) *time.Time {
		v := time.Date(2018, 10, 8, 9, minute, 0, 0, cst)
		return &v
	}
	ids := make([]primitive.ObjectID, 6)
	for i := range ids {
		ids[i] = primitive.NewObjectID()
	}
	docs := []datetimeDoc{
		{ID: ids[0], Datetime: at(1)},
		{ID: ids[1], Datetime: at(2)},
		{ID: ids[2], Datetime: at(1)},
		{ID: ids[3]},
		{ID: ids[4]},
		{ID: ids[5], Datetime: at(2)},
	}

	got, err := repeats(docSeq(docs, -1, nil))
	if err != nil {
		t.Fatalf("repeats: %v", err)
	}
	want := []primitive.ObjectID{ids[2], ids[4], ids[5]}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("repeats = %v, want %v", got, want)
	}
}

func TestRepeatsDecodeFailure(t *testing.T) {
	boom := errors.New("decoding document: bad datetime")
	docs := []datetimeDoc{{ID: primitive.NewObjectID()}, {ID: primitive.NewObjectID()}}

	got, err := repeats(docSeq(docs, 1, boom))
	if !errors.Is(err, boom) {
		t.Errorf("repeats err = %v, want %v", err, boom)
	}
	if got != nil {
		t.Errorf("repeats = %v after a failure, want nil", got)
	}
}
