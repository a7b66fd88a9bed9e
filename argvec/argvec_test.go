package argvec

import (
	"reflect"
	"testing"
)

func TestAppendFinalizeData(t *testing.T) {
	v := Init(4)
	v.Append("-o")
	v.Append("create")
	v.Append("-n")
	v.Append("mynet")
	v.Finalize()

	data, err := v.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	want := []string{"-o", "create", "-n", "mynet", ""}
	if !reflect.DeepEqual(data, want) {
		t.Errorf("Data() = %v, want %v", data, want)
	}
}

func TestDataBeforeFinalize(t *testing.T) {
	v := Init(1)
	v.Append("x")
	if _, err := v.Data(); err != ErrNotFinalized {
		t.Errorf("Data() before Finalize: err = %v, want ErrNotFinalized", err)
	}
}

func TestAppendAfterFinalizePanics(t *testing.T) {
	v := Init(1)
	v.Finalize()
	defer func() {
		if recover() == nil {
			t.Error("expected panic appending to a finalized vector")
		}
	}()
	v.Append("too-late")
}

func TestJoin(t *testing.T) {
	v := Init(3)
	v.Append("a")
	v.Append("b")
	v.Append("c")
	if got := v.Join(","); got != "a,b,c" {
		t.Errorf("Join = %q, want %q", got, "a,b,c")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	cases := [][]string{
		{},
		{"single"},
		{"-o", "list"},
		{"-o", "create", "-t", "nat", "-n", "net0", "-i", "em0", "-m", "10.0.0.0/24"},
		{"", "empty-first", ""},
	}
	for _, elems := range cases {
		v := Init(len(elems))
		for _, e := range elems {
			v.Append(e)
		}
		buf := v.Marshal()
		got, err := Unmarshal(buf)
		if err != nil {
			t.Fatalf("Unmarshal(%v): %v", elems, err)
		}
		got.Finalize()
		data, err := got.Data()
		if err != nil {
			t.Fatalf("Data: %v", err)
		}
		want := append(append([]string{}, elems...), "")
		if !reflect.DeepEqual(data, want) {
			t.Errorf("round trip %v: got %v, want %v", elems, data, want)
		}
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	v := Init(1)
	v.Append("hello")
	buf := v.Marshal()
	if _, err := Unmarshal(buf[:len(buf)-2]); err == nil {
		t.Error("expected error unmarshaling truncated buffer")
	}
}
