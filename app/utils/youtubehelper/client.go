package youtubehelper

import (
	"auto-upload/app/config"
	"auto-upload/app/model"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"resty.dev/v3"
)

// Client YouTube 上传客户端
type Client struct {
	config config.YouTubeConfig
	client *resty.Client
}

// New 创建新的 YouTube 客户端
func New(cfg config.YouTubeConfig) *Client {
	client := resty.New()
	client.SetTimeout(cfg.Timeout)

	return &Client{
		config: cfg,
		client: client,
	}
}

// Close 释放底层连接
func (c *Client) Close() error {
	return c.client.Close()
}

type videoSnippet struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	CategoryID  string   `json:"categoryId"`
}

type videoStatus struct {
	PrivacyStatus string `json:"privacyStatus"`
}

type videoResource struct {
	ID      string        `json:"id,omitempty"`
	Snippet *videoSnippet `json:"snippet,omitempty"`
	Status  *videoStatus  `json:"status,omitempty"`
}

// Upload 使用可恢复上传协议上传视频，返回 YouTube 视频ID
func (c *Client) Upload(ctx context.Context, media io.Reader, meta model.VideoMetadata, accessToken string) (string, error) {
	if accessToken == "" {
		return "", &UploadError{Kind: KindUnauthorized, Message: "missing access token"}
	}

	resource := videoResource{
		Snippet: &videoSnippet{
			Title:       meta.Title,
			Description: meta.Description,
			Tags:        trimTags(meta.Tags),
			CategoryID:  c.config.CategoryID,
		},
		Status: &videoStatus{PrivacyStatus: c.config.PrivacyStatus},
	}

	// 第一步：提交元数据，获取上传会话地址
	res, err := c.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetQueryParam("uploadType", "resumable").
		SetQueryParam("part", "snippet,status").
		SetHeader("Content-Type", "application/json; charset=UTF-8").
		SetHeader("X-Upload-Content-Type", "video/*").
		SetBody(resource).
		Post(c.config.UploadURL)
	if err != nil {
		return "", classifyTransport(err)
	}
	if res.IsError() {
		return "", classifyResponse(res)
	}

	location := res.Header().Get("Location")
	if location == "" {
		return "", &UploadError{Kind: KindUnknown, StatusCode: res.StatusCode(), Message: "upload session location missing"}
	}

	// 第二步：上传文件内容
	var uploaded videoResource
	res, err = c.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetHeader("Content-Type", "video/*").
		SetBody(media).
		SetResult(&uploaded).
		Put(location)
	if err != nil {
		return "", classifyTransport(err)
	}
	if res.IsError() {
		return "", classifyResponse(res)
	}

	if uploaded.ID == "" {
		// 部分服务端不返回 JSON Content-Type，手动解析一次
		_ = json.Unmarshal([]byte(res.String()), &uploaded)
	}
	if uploaded.ID == "" {
		return "", &UploadError{Kind: KindUnknown, StatusCode: res.StatusCode(), Message: fmt.Sprintf("upload incomplete: %s", res.Status())}
	}

	return uploaded.ID, nil
}

func classifyResponse(res *resty.Response) *UploadError {
	var body googleError
	if err := json.Unmarshal([]byte(res.String()), &body); err != nil {
		return classifyStatus(res.StatusCode(), nil, res.String())
	}
	return classifyStatus(res.StatusCode(), &body, res.String())
}

func trimTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
