package camera

// DiagnosticCamera 是操作系统层面登记的相机硬件信息，
// 与采集后端的设备枚举相互独立，用于现场排障。
type DiagnosticCamera struct {
	Name     string `json:"name"`
	Model    string `json:"model,omitempty"`
	UniqueID string `json:"unique_id,omitempty"`
}
