package registrarwire

import "testing"

func TestListRequestRoundTrip(t *testing.T) {
	req := ListRequest{RequesterNID: "1:play-1"}
	got, err := UnmarshalListRequest(req.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != req {
		t.Fatalf("round trip mismatch: %+v != %+v", got, req)
	}
}

func TestListResponseRoundTrip(t *testing.T) {
	resp := ListResponse{Entries: []ServerEntry{
		{ServiceType: 0, ServiceID: 1, ServerID: "play-1", Endpoint: "10.0.0.1:7000", State: 0, Weight: -3},
		{ServiceType: 1, ServiceID: 2, ServerID: "api-1", Endpoint: "10.0.0.2:7001", State: 1, Weight: 5},
	}}
	b := resp.Marshal()
	got, err := UnmarshalListResponse(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Entries) != len(resp.Entries) {
		t.Fatalf("entry count mismatch: %d != %d", len(got.Entries), len(resp.Entries))
	}
	for i := range resp.Entries {
		if got.Entries[i] != resp.Entries[i] {
			t.Fatalf("entry %d mismatch: %+v != %+v", i, got.Entries[i], resp.Entries[i])
		}
	}
}
