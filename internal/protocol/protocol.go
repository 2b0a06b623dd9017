// Package protocol 定义网关的线上报文格式：出站 REQUEST 信封与入站响应信封，
// 以及双方识别的资源路径。
package protocol

import (
	"encoding/json"
	"time"
)

// Resource 是网关识别的请求资源路径
type Resource string

const (
	ResourceLogin          Resource = "/session/login"
	ResourceSync           Resource = "/session/sync"
	ResourceEvents         Resource = "/eventBlocks/event/data"
	ResourceResults        Resource = "/eventBlocks/event/result"
	ResourceTickets        Resource = "/tickets/send"
	ResourceHistory        Resource = "/eventBlocks/history"
	ResourceStats          Resource = "/eventBlocks/stats"
	ResourceTicketFindByID Resource = "/tickets/findById"
	ResourcePlaylists      Resource = "/playlists/"
)

// knownResources 是合法资源集合，入站帧的资源不在其中时整帧丢弃
var knownResources = map[Resource]struct{}{
	ResourceLogin:          {},
	ResourceSync:           {},
	ResourceEvents:         {},
	ResourceResults:        {},
	ResourceTickets:        {},
	ResourceHistory:        {},
	ResourceStats:          {},
	ResourceTicketFindByID: {},
	ResourcePlaylists:      {},
}

// Known 判断资源是否为网关识别的资源
func Known(r Resource) bool {
	_, ok := knownResources[r]
	return ok
}

// RequestBody 是出站信封的 req 部分
type RequestBody struct {
	Method   string            `json:"method"`
	Query    interface{}       `json:"query"`
	Body     interface{}       `json:"body,omitempty"`
	Headers  map[string]string `json:"headers"`
	Resource Resource          `json:"resource"`
	BasePath string            `json:"basePath"`
	Host     string            `json:"host"`
}

// Request 是出站信封。xs 是连接内单调递增的关联号，
// 响应通过相同的 xs 匹配回请求方。
type Request struct {
	Type string      `json:"type"`
	XS   int64       `json:"xs"`
	TS   int64       `json:"ts"`
	Req  RequestBody `json:"req"`
}

// NewRequest 构造一个 REQUEST 信封。GET 请求把 body 放入 query，
// POST 请求 query 为空、body 单独携带（与网关约定一致）。
func NewRequest(xs int64, method string, resource Resource, body interface{}, clientID, basePath, host string) Request {
	headers := map[string]string{
		"Content-Type": "application/json",
	}
	// 登录请求尚无 clientId，其余请求必须携带
	if resource != ResourceLogin && clientID != "" {
		headers["clientId"] = clientID
	}
	req := RequestBody{
		Method:   method,
		Headers:  headers,
		Resource: resource,
		BasePath: basePath,
		Host:     host,
	}
	if method == "POST" {
		req.Query = map[string]interface{}{}
		req.Body = body
	} else {
		req.Query = body
	}
	return Request{
		Type: "REQUEST",
		XS:   xs,
		TS:   time.Now().UnixMilli(),
		Req:  req,
	}
}

// Encode 序列化出站信封
func (r Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// ResponseResult 是入站信封的 res 部分
type ResponseResult struct {
	StatusCode    int             `json:"statusCode"`
	ValidResponse bool            `json:"validResponse"`
	Resource      Resource        `json:"resource"`
	Body          json.RawMessage `json:"body"`
}

// Response 是入站信封
type Response struct {
	Res ResponseResult `json:"res"`
	XS  int64          `json:"xs"`
}

// ParseResponse 解析入站帧。帧格式非法或资源不被识别时返回 (nil, false)，
// 调用方应把这类帧静默丢弃，绝不能让坏帧打断连接。
func ParseResponse(data []byte) (*Response, bool) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}
	if !Known(resp.Res.Resource) {
		return nil, false
	}
	return &resp, true
}

// TicketTimestamp 返回网关要求的票据时间戳格式：
// UTC 毫秒精度，例如 2021-03-05T16:21:08.123Z
func TicketTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
