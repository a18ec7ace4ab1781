package usyscall

import "testing"

func TestRequestRoundTripPrint(t *testing.T) {
	req := Request{
		Kind: KindPrint,
		Str:  UserSlice{Ptr: 0x4000_0000_1000, Len: 13},
	}
	data, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != req {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestRequestRoundTripSleep(t *testing.T) {
	req := Request{Kind: KindSleep, Slot: 5}
	data, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRequest(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindSleep || got.Slot != 5 {
		t.Fatalf("expected Sleep{5}, got %+v", got)
	}
}

func TestResponseRoundTripOpen(t *testing.T) {
	resp := Response{Kind: RespOpen, OpenOK: true, OpenHandle: 7}
	data, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeResponse(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != resp {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, resp)
	}

	errResp := Response{Kind: RespOpen, OpenOK: false, OpenErr: 1}
	data, err = EncodeResponse(errResp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err = DecodeResponse(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != errResp {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, errResp)
	}
}

func TestTransportRoundTripsThroughBuffers(t *testing.T) {
	tr := NewTransport()

	req := Request{Kind: KindGetTaskId}
	if err := tr.WriteRequest(req); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	got, err := tr.ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if got != req {
		t.Fatalf("in-buffer mismatch: got %+v, want %+v", got, req)
	}

	resp := Response{Kind: RespGetTaskId, TaskID: 42}
	if err := tr.WriteResponse(resp); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	gotResp, err := tr.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if gotResp != resp {
		t.Fatalf("out-buffer mismatch: got %+v, want %+v", gotResp, resp)
	}
}

func TestTransportsAreIndependentPerTask(t *testing.T) {
	a := NewTransport()
	b := NewTransport()

	if err := a.WriteResponse(Response{Kind: RespGetTaskId, TaskID: 42}); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}

	gotB, err := b.ReadResponse()
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if gotB.Kind != RespOk {
		t.Fatalf("expected b's untouched buffer to decode as the zero kind Ok, got %+v", gotB)
	}
	if gotB != (Response{}) {
		t.Fatalf("task b must not observe task a's write: got %+v", gotB)
	}
}
