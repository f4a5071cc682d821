package speech

// Config 语音合成输出配置，随指令一起发送给服务端
type Config struct {
	Encoding string `json:"encoding"` // 音频编码
	Output   string `json:"output"`   // 返回方式
}

const (
	EncodingOgg  = "ogg"
	OutputBuffer = "buffer"
)

// DefaultConfig 返回请求语音时使用的固定配置
func DefaultConfig() Config {
	return Config{
		Encoding: EncodingOgg,
		Output:   OutputBuffer,
	}
}
