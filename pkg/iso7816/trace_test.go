package iso7816

import (
	"testing"
)

func tx(ins InsCode, sw StatusWord) Transaction {
	return Transaction{
		Command:  &CommandAPDU{Instruction: Instruction{Raw: ins}},
		Response: &ResponseAPDU{Status: sw},
	}
}

func TestTrace(t *testing.T) {
	tests := []struct {
		name    string
		trace   Trace
		success bool
		status  StatusWord
	}{
		{
			name:  "Empty",
			trace: nil,
		},
		{
			name:    "SELECT EF.COM",
			trace:   Trace{tx(INS_SELECT, SW_NO_ERROR)},
			success: true,
			status:  SW_NO_ERROR,
		},
		{
			name:    "READ BINARY resent with the Le from 6CXX",
			trace:   Trace{tx(INS_READ_BINARY, NewStatusWord(0x6C, 0x0B)), tx(INS_READ_BINARY, SW_NO_ERROR)},
			success: true,
			status:  SW_NO_ERROR,
		},
		{
			name:    "Response fetched with GET RESPONSE",
			trace:   Trace{tx(INS_MUTUAL_AUTHENTICATE, NewStatusWord(0x61, 0x28)), tx(INS_GET_RESPONSE, SW_NO_ERROR)},
			success: true,
			status:  SW_NO_ERROR,
		},
		{
			name:   "READ BINARY past the end of the file",
			trace:  Trace{tx(INS_READ_BINARY, SW_WARN_EOF_REACHED)},
			status: SW_WARN_EOF_REACHED,
		},
		{
			name:   "MUTUAL AUTHENTICATE rejected",
			trace:  Trace{tx(INS_GET_CHALLENGE, SW_NO_ERROR), tx(INS_MUTUAL_AUTHENTICATE, SW_WARN_NV_CHANGED_NO_INFO)},
			status: SW_WARN_NV_CHANGED_NO_INFO,
		},
		{
			name:   "Unanswered command",
			trace:  Trace{{Command: &CommandAPDU{Instruction: Instruction{Raw: INS_SELECT}}}},
			status: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.trace.IsSuccess(); got != tt.success {
				t.Errorf("IsSuccess() = %v, want %v", got, tt.success)
			}
			if got := tt.trace.Status(); got != tt.status {
				t.Errorf("Status() = %04X, want %04X", uint16(got), uint16(tt.status))
			}
			if last := tt.trace.Last(); (last == nil) != (len(tt.trace) == 0) {
				t.Errorf("Last() = %v for %d transactions", last, len(tt.trace))
			}
		})
	}
}

func TestTrace_LastIsFinalExchange(t *testing.T) {
	tr := Trace{tx(INS_READ_BINARY, NewStatusWord(0x6C, 0x0B)), tx(INS_READ_BINARY, SW_NO_ERROR)}
	last := tr.Last()
	if last != &tr[1] {
		t.Fatal("Last() does not point at the final transaction")
	}
	if !last.IsSuccess() || tr[0].IsSuccess() {
		t.Errorf("IsSuccess() = %v, %v; want only the final exchange successful", tr[0].IsSuccess(), last.IsSuccess())
	}
}
