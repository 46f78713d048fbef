package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"sdstage/sdruntime"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func testConditioning(withUncond bool) *sdruntime.Conditioning {
	c := &sdruntime.Conditioning{
		Cond: &sdruntime.Payload{
			CrossAttn: &sdruntime.Tensor{Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
			Vector:    &sdruntime.Tensor{Shape: []int{0}, Data: []float32{}},
		},
	}
	if withUncond {
		c.Uncond = &sdruntime.Payload{
			CrossAttn: &sdruntime.Tensor{Shape: []int{2, 3}, Data: []float32{-1, -2, -3, -4, -5, -6}},
		}
	}
	return c
}

func TestKeyFor(t *testing.T) {
	neg := ""
	req := sdruntime.ConditionRequest{Prompt: "a red cube", NegativePrompt: &neg, Width: 512, Height: 320, ClipSkip: -1}

	got := KeyFor("wan.gguf", req)
	want := PayloadKey{Model: "wan.gguf", Prompt: "a red cube", HasNegative: true, Width: 512, Height: 320, ClipSkip: -1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("KeyFor() mismatch (-want +got):\n%s", diff)
	}

	req.NegativePrompt = nil
	if KeyFor("wan.gguf", req).HasNegative {
		t.Error("KeyFor() HasNegative = true for nil negative prompt")
	}
}

func TestSaveAndFindPayload(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	key := PayloadKey{Model: "wan.gguf", Prompt: "a red cube", Width: 64, Height: 64, ClipSkip: -1}

	for _, withUncond := range []bool{false, true} {
		cond := testConditioning(withUncond)
		k := key
		k.HasNegative = withUncond

		id, err := r.SavePayload(ctx, k, cond)
		if err != nil {
			t.Fatalf("SavePayload() error = %v", err)
		}

		got, err := r.FindPayload(ctx, k)
		if err != nil {
			t.Fatalf("FindPayload() error = %v", err)
		}
		if got.ID != id {
			t.Errorf("FindPayload().ID = %q, want %q", got.ID, id)
		}
		if diff := cmp.Diff(cond, got.Conditioning, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(k, got.Key); diff != "" {
			t.Errorf("key mismatch (-want +got):\n%s", diff)
		}
		if got.SizeBytes <= 0 {
			t.Errorf("SizeBytes = %d, want > 0", got.SizeBytes)
		}
	}
}

func TestSavePayload_UpsertKeepsID(t *testing.T) {
	r, now := newTestRepo(t)
	ctx := context.Background()
	key := PayloadKey{Model: "m", Prompt: "p", Width: 64, Height: 64}

	first, err := r.SavePayload(ctx, key, testConditioning(false))
	if err != nil {
		t.Fatalf("SavePayload() error = %v", err)
	}
	*now = now.Add(time.Hour)
	replacement := testConditioning(true)
	second, err := r.SavePayload(ctx, key, replacement)
	if err != nil {
		t.Fatalf("SavePayload() error = %v", err)
	}
	if first != second {
		t.Errorf("upsert changed ID %q -> %q", first, second)
	}

	got, err := r.GetPayload(ctx, first)
	if err != nil {
		t.Fatalf("GetPayload() error = %v", err)
	}
	if got.Conditioning.Uncond == nil {
		t.Error("GetPayload() returned the replaced payload")
	}
	list, _ := r.ListPayloads(ctx, 10)
	if len(list) != 1 {
		t.Errorf("ListPayloads() len = %d, want 1", len(list))
	}
}

func TestPayloadLookupErrors(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	if _, err := r.FindPayload(ctx, PayloadKey{Model: "none"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindPayload() error = %v, want ErrNotFound", err)
	}
	if _, err := r.GetPayload(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPayload() error = %v, want ErrNotFound", err)
	}
	if err := r.DeletePayload(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeletePayload() error = %v, want ErrNotFound", err)
	}
	if _, err := r.SavePayload(ctx, PayloadKey{}, &sdruntime.Conditioning{}); !errors.Is(err, sdruntime.ErrInvalidPayload) {
		t.Errorf("SavePayload(empty) error = %v, want ErrInvalidPayload", err)
	}
}

func TestListPayloads_OrderedByUse(t *testing.T) {
	r, now := newTestRepo(t)
	ctx := context.Background()

	var ids []string
	for _, prompt := range []string{"a", "b", "c"} {
		id, err := r.SavePayload(ctx, PayloadKey{Model: "m", Prompt: prompt, Width: 8, Height: 8}, testConditioning(false))
		if err != nil {
			t.Fatalf("SavePayload(%s) error = %v", prompt, err)
		}
		ids = append(ids, id)
		*now = now.Add(time.Minute)
	}
	if _, err := r.GetPayload(ctx, ids[0]); err != nil {
		t.Fatalf("GetPayload() error = %v", err)
	}

	list, err := r.ListPayloads(ctx, 10)
	if err != nil {
		t.Fatalf("ListPayloads() error = %v", err)
	}
	var got []string
	for _, p := range list {
		got = append(got, p.ID)
		if p.Conditioning != nil {
			t.Error("ListPayloads() loaded tensor data")
		}
	}
	want := []string{ids[0], ids[2], ids[1]}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListPayloads() order mismatch (-want +got):\n%s", diff)
	}
}

func TestDeletePayload_ClearsHistoryReference(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	id, err := r.SavePayload(ctx, PayloadKey{Model: "m", Prompt: "p", Width: 8, Height: 8}, testConditioning(false))
	if err != nil {
		t.Fatalf("SavePayload() error = %v", err)
	}
	if _, err := r.InsertGeneration(ctx, GenerationRecord{
		Session: "s1", Kind: sdruntime.CallImage, Width: 8, Height: 8, PayloadID: id, Status: StatusSuccess,
	}); err != nil {
		t.Fatalf("InsertGeneration() error = %v", err)
	}

	if err := r.DeletePayload(ctx, id); err != nil {
		t.Fatalf("DeletePayload() error = %v", err)
	}
	recs, err := r.GenerationsBySession(ctx, "s1")
	if err != nil || len(recs) != 1 {
		t.Fatalf("GenerationsBySession() = %v, %v", recs, err)
	}
	if recs[0].PayloadID != "" {
		t.Errorf("PayloadID = %q, want cleared", recs[0].PayloadID)
	}
}
