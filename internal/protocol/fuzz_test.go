package protocol

import (
	"bytes"
	"testing"
)

// FuzzDecodeFrame 任意输入都不能导致 panic；能解析的帧重新编码后保持一致
func FuzzDecodeFrame(f *testing.F) {
	seed, _ := Encode(OpFramePush, FramePush{SessionID: "s1", Seq: 1, TimestampMs: 1700000000000, Payload: []byte{0xff, 0xd8, 0xff}})
	f.Add(seed)
	join, _ := Encode(OpJoinReq, JoinReq{SessionID: "s1"})
	f.Add(join)
	f.Add([]byte{})
	f.Add([]byte{0x07, 0xd1, 0x00, 0x00, 0x00, 0x00})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01})

	f.Fuzz(func(t *testing.T, raw []byte) {
		opcode, body, err := DecodeFrame(raw)
		if err != nil {
			return
		}
		if !bytes.Equal(EncodeFrame(opcode, body), raw) {
			t.Fatalf("re-encoded frame differs for opcode %d", opcode)
		}

		if opcode != OpFramePush {
			return
		}
		var push FramePush
		if err := Decode(body, &push); err != nil {
			return
		}
		again, err := Encode(OpFramePush, push)
		if err != nil {
			t.Fatalf("re-encode after successful decode: %v", err)
		}
		_, body2, err := DecodeFrame(again)
		if err != nil {
			t.Fatalf("decode re-encoded frame: %v", err)
		}
		var push2 FramePush
		if err := Decode(body2, &push2); err != nil {
			t.Fatalf("decode re-encoded body: %v", err)
		}
		if push2.Seq != push.Seq || push2.SessionID != push.SessionID || !bytes.Equal(push2.Payload, push.Payload) {
			t.Fatalf("frame push changed across round trip")
		}
	})
}
