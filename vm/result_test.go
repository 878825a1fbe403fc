package vm

import (
	"errors"
	"testing"
)

func TestSignalResult(t *testing.T) {
	boom := errors.New("boom")
	target := &Marker{name: "home"}
	tests := []struct {
		name    string
		sig     Signal
		want    Value
		wantErr error
		str     string
	}{
		{"completed", completed(FromSmallInt(3)), FromSmallInt(3), nil, "completed(3)"},
		{"error", errorSignal(boom), Nil, boom, "error(boom)"},
		{"switch", Signal{Kind: SignalSwitch}, Nil, ErrUnhandledProcessSwitch, "switch"},
		{"escaped unwind", Signal{Kind: SignalUnwind, Target: target, Value: True}, Nil, ErrCannotReturn, "unwind(home, true)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := tt.sig.Result()
			if v != tt.want {
				t.Errorf("value = %v, want %v", v, tt.want)
			}
			if tt.wantErr == nil && err != nil {
				t.Errorf("error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if got := tt.sig.String(); got != tt.str {
				t.Errorf("String() = %q, want %q", got, tt.str)
			}
		})
	}
}

func TestSignalKindString(t *testing.T) {
	if got := SignalKind(9).String(); got != "SignalKind(9)" {
		t.Errorf("String() = %q", got)
	}
	if got := SignalUnwind.String(); got != "unwind" {
		t.Errorf("String() = %q, want unwind", got)
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	_, err := NewCodeBlock("bad", 0, []byte{0x70, 0x7E}, nil).Decode()
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("error %T is not a *DecodeError", err)
	}
	if de.Offset != 1 || de.Code != "bad" || de.Byte != 0x7E {
		t.Errorf("DecodeError = %+v, want offset 1 in bad", de)
	}
}

func TestSwitchRequestMessage(t *testing.T) {
	if got := Yield(Nil).Error(); got != "process switch requested: yield" {
		t.Errorf("Yield error = %q", got)
	}
	if got := (&SwitchRequest{}).Error(); got != "process switch requested" {
		t.Errorf("bare request error = %q", got)
	}
}
