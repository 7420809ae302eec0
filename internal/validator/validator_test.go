package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hfsslive/trackcore/internal/model"
)

type fakeExistence struct {
	known map[string]bool
	err   error
}

func (f *fakeExistence) FlightExists(_ context.Context, flightID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.known[flightID], nil
}

func validItem(flightID string) model.QueueItem {
	return model.QueueItem{
		FlightID: flightID,
		Points: []model.QueuePoint{
			{Lat: 45.0, Lon: 9.0, Datetime: time.Now().UTC()},
		},
	}
}

func TestValidateOK(t *testing.T) {
	v := New(&fakeExistence{known: map[string]bool{"f1": true}})
	verdict, err := v.Validate(context.Background(), validItem("f1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict != VerdictOK {
		t.Fatalf("verdict = %v, want VerdictOK", verdict)
	}
}

func TestValidateForeignKeyMissing(t *testing.T) {
	v := New(&fakeExistence{known: map[string]bool{}})
	verdict, err := v.Validate(context.Background(), validItem("ghost"))
	if err == nil {
		t.Fatal("expected error")
	}
	if verdict != VerdictForeignKeyMissing {
		t.Fatalf("verdict = %v, want VerdictForeignKeyMissing", verdict)
	}
}

func TestValidateInvalidShape(t *testing.T) {
	v := New(&fakeExistence{known: map[string]bool{"f1": true}})
	item := validItem("f1")
	item.Points[0].Lat = 200
	verdict, err := v.Validate(context.Background(), item)
	if err == nil {
		t.Fatal("expected error")
	}
	if verdict != VerdictInvalidShape {
		t.Fatalf("verdict = %v, want VerdictInvalidShape", verdict)
	}
}

func TestValidateTransientError(t *testing.T) {
	v := New(&fakeExistence{err: errors.New("connection reset")})
	verdict, err := v.Validate(context.Background(), validItem("f1"))
	if err == nil {
		t.Fatal("expected error")
	}
	if verdict != VerdictTransientError {
		t.Fatalf("verdict = %v, want VerdictTransientError", verdict)
	}
}

func TestValidateMissingTimestamp(t *testing.T) {
	v := New(&fakeExistence{known: map[string]bool{"f1": true}})
	item := validItem("f1")
	item.Points[0].Datetime = time.Time{}
	verdict, _ := v.Validate(context.Background(), item)
	if verdict != VerdictInvalidShape {
		t.Fatalf("verdict = %v, want VerdictInvalidShape", verdict)
	}
}
