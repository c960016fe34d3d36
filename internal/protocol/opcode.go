package protocol

// 操作码定义
const (
	// 候选人 -> 服务端
	OpJoinReq   uint16 = 1001
	OpFramePush uint16 = 2001
	OpEndStream uint16 = 2002
	OpHeartbeat uint16 = 1100

	// 服务端 -> 候选人
	OpJoinResp      uint16 = 1002
	OpHeartbeatResp uint16 = 1101
	OpSessionEnded  uint16 = 3001

	OpError uint16 = 9999
)

// OpcodeToString 将操作码转换为可读字符串，用于日志
func OpcodeToString(op uint16) string {
	switch op {
	case OpJoinReq:
		return "JOIN_REQ"
	case OpJoinResp:
		return "JOIN_RESP"
	case OpFramePush:
		return "FRAME_PUSH"
	case OpEndStream:
		return "END_STREAM"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpHeartbeatResp:
		return "HEARTBEAT_RESP"
	case OpSessionEnded:
		return "SESSION_ENDED"
	case OpError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsValidOpcode 检查操作码是否有效
func IsValidOpcode(op uint16) bool {
	return OpcodeToString(op) != "UNKNOWN"
}

// IsClientOpcode 候选人可以发送的操作码
func IsClientOpcode(op uint16) bool {
	switch op {
	case OpJoinReq, OpFramePush, OpEndStream, OpHeartbeat:
		return true
	default:
		return false
	}
}
