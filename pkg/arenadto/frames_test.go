package arenadto

import "testing"

func TestDecodeServer(t *testing.T) {
	v, err := DecodeServer([]byte(`{"type":"state","session_id":"g1","board":"fen","status":"active","clocks":{"white_ms":1000}}`))
	if err != nil {
		t.Fatalf("DecodeServer: %v", err)
	}
	st, ok := v.(*State)
	if !ok || st.SessionID != "g1" || st.Clocks.WhiteMs != 1000 {
		t.Fatalf("got %#v", v)
	}
	if _, err := DecodeServer([]byte(`{"type":"bogus"}`)); err == nil {
		t.Fatalf("unknown type accepted")
	}
	if _, err := DecodeServer([]byte(`not json`)); err == nil {
		t.Fatalf("garbage accepted")
	}
}

func TestClientFrameUCI(t *testing.T) {
	f := ClientFrame{From: "e7", To: "e8", Promotion: "q"}
	if f.UCI() != "e7e8q" {
		t.Fatalf("UCI = %q", f.UCI())
	}
}
