package protocol

import (
	"fmt"
	"testing"
	"time"
)

func benchPush(size int) FramePush {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}
	return FramePush{SessionID: "bench-session", Seq: 42, TimestampMs: time.Now().UnixMilli(), Payload: payload}
}

func BenchmarkEncodeFramePush(b *testing.B) {
	for _, size := range []int{4 << 10, 64 << 10, 512 << 10} {
		push := benchPush(size)
		b.Run(fmt.Sprintf("%dKB", size>>10), func(b *testing.B) {
			b.SetBytes(int64(size))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := Encode(OpFramePush, push); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkDecodeFramePush(b *testing.B) {
	for _, size := range []int{4 << 10, 64 << 10, 512 << 10} {
		raw, err := Encode(OpFramePush, benchPush(size))
		if err != nil {
			b.Fatal(err)
		}
		b.Run(fmt.Sprintf("%dKB", size>>10), func(b *testing.B) {
			b.SetBytes(int64(size))
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_, body, err := DecodeFrame(raw)
				if err != nil {
					b.Fatal(err)
				}
				var push FramePush
				if err := Decode(body, &push); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
