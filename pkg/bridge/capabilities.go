package bridge

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/harun/capsule/pkg/manifest"
)

func (b *Bridge) registerMethods() {
	b.methods = map[string]method{
		"storage.get":    {permission: manifest.PermissionStorage, handler: b.storageGet},
		"storage.set":    {permission: manifest.PermissionStorage, handler: b.storageSet},
		"storage.remove": {permission: manifest.PermissionStorage, handler: b.storageRemove},
		"storage.clear":  {permission: manifest.PermissionStorage, handler: b.storageClear},
		"storage.keys":   {permission: manifest.PermissionStorage, handler: b.storageKeys},

		"notifications.show": {permission: manifest.PermissionNotifications, handler: b.notificationsShow},

		"network.fetch": {permission: manifest.PermissionNetwork, handler: b.networkFetch},

		"filesystem.readFile":  {permission: manifest.PermissionFilesystem, filesystem: true, handler: b.readFile},
		"filesystem.writeFile": {permission: manifest.PermissionFilesystem, filesystem: true, handler: b.writeFile},
		"filesystem.exists":    {permission: manifest.PermissionFilesystem, filesystem: true, handler: b.exists},

		// Messaging has no member in the permission set; a registered window is enough.
		"communication.sendMessage":      {handler: b.sendMessage},
		"communication.broadcastMessage": {handler: b.broadcastMessage},

		"permissions.check":   {handler: b.permissionCheck},
		"permissions.request": {handler: b.permissionRequest},

		"clipboard.readText":  {permission: manifest.PermissionClipboard, handler: b.clipboardRead},
		"clipboard.writeText": {permission: manifest.PermissionClipboard, handler: b.clipboardWrite},
	}
}

type keyParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func decodeKey(params json.RawMessage) (keyParams, error) {
	var p keyParams
	if err := decode(params, &p); err != nil {
		return p, err
	}
	if p.Key == "" {
		return p, fmt.Errorf("%w: key is required", ErrInvalidParams)
	}
	return p, nil
}

func (b *Bridge) storageGet(c *call) (any, error) {
	p, err := decodeKey(c.params)
	if err != nil {
		return nil, err
	}
	value, ok := c.plugin.StorageGet(p.Key)
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (b *Bridge) storageSet(c *call) (any, error) {
	p, err := decodeKey(c.params)
	if err != nil {
		return nil, err
	}
	value := p.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	if err := c.plugin.StorageSet(p.Key, value); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *Bridge) storageRemove(c *call) (any, error) {
	p, err := decodeKey(c.params)
	if err != nil {
		return nil, err
	}
	if err := c.plugin.StorageRemove(p.Key); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *Bridge) storageClear(c *call) (any, error) {
	if err := c.plugin.StorageClear(); err != nil {
		return nil, err
	}
	return true, nil
}

func (b *Bridge) storageKeys(c *call) (any, error) {
	return c.plugin.StorageKeys(), nil
}

func (b *Bridge) notificationsShow(c *call) (any, error) {
	var p struct {
		Title   string                 `json:"title"`
		Body    string                 `json:"body"`
		Options map[string]interface{} `json:"options"`
	}
	if err := decode(c.params, &p); err != nil {
		return nil, err
	}
	if p.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidParams)
	}

	n := Notification{
		PluginID:   c.plugin.ID,
		PluginName: c.plugin.Name,
		Title:      b.sanitizer.Sanitize(p.Title),
		Body:       b.sanitizer.Sanitize(p.Body),
		Options:    p.Options,
	}
	if err := b.notifier.Notify(c.ctx, n); err != nil {
		return nil, fmt.Errorf("failed to show notification: %w", err)
	}
	return true, nil
}

func (b *Bridge) networkFetch(c *call) (any, error) {
	var p struct {
		URL     string       `json:"url"`
		Options FetchOptions `json:"options"`
	}
	if err := decode(c.params, &p); err != nil {
		return nil, err
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be absolute http or https", ErrInvalidParams)
	}

	method := strings.ToUpper(p.Options.Method)
	if method == "" {
		method = http.MethodGet
	}

	req := b.client.R().SetContext(c.ctx).SetDoNotParseResponse(true)
	if len(p.Options.Headers) > 0 {
		req.SetHeaders(p.Options.Headers)
	}
	if p.Options.Body != "" {
		req.SetBody(p.Options.Body)
	}

	resp, err := req.Execute(method, u.String())
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	limit := b.config.MaxFetchBytes
	if limit <= 0 {
		limit = DefaultConfig().MaxFetchBytes
	}
	body, err := io.ReadAll(io.LimitReader(raw, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}

	headers := make(map[string]string, len(resp.Header()))
	for k, v := range resp.Header() {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}

	status := resp.StatusCode()
	statusText := strings.TrimSpace(strings.TrimPrefix(resp.Status(), strconv.Itoa(status)))
	if statusText == "" {
		statusText = http.StatusText(status)
	}

	b.logger.Debug().Str("plugin_id", c.plugin.ID).Str("method", method).Str("url", u.Redacted()).Int("status", status).Msg("Fetch completed")

	return FetchResult{
		OK:         status >= 200 && status < 300,
		Status:     status,
		StatusText: statusText,
		Headers:    headers,
		Body:       string(body),
	}, nil
}

type fileResult struct {
	FileResult
	Encoding string `json:"encoding,omitempty"`
}

func (b *Bridge) readFile(c *call) (any, error) {
	info, err := os.Stat(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: path is a directory", ErrInvalidParams)
	}
	if b.config.MaxFileBytes > 0 && info.Size() > b.config.MaxFileBytes {
		return nil, fmt.Errorf("file exceeds %d bytes", b.config.MaxFileBytes)
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	result := fileResult{FileResult: FileResult{MimeType: mimetype.Detect(data).String()}}
	if utf8.Valid(data) {
		result.Content = string(data)
	} else {
		result.Content = base64.StdEncoding.EncodeToString(data)
		result.Encoding = "base64"
	}
	return result, nil
}

func (b *Bridge) writeFile(c *call) (any, error) {
	var p struct {
		Content string `json:"content"`
	}
	if err := decode(c.params, &p); err != nil {
		return nil, err
	}
	if b.config.MaxFileBytes > 0 && int64(len(p.Content)) > b.config.MaxFileBytes {
		return nil, fmt.Errorf("%w: content exceeds %d bytes", ErrInvalidParams, b.config.MaxFileBytes)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(c.path, []byte(p.Content), 0600); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return true, nil
}

func (b *Bridge) exists(c *call) (any, error) {
	return fileExists(c.path)
}

func (b *Bridge) sendMessage(c *call) (any, error) {
	var p struct {
		Target  string          `json:"target"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := decode(c.params, &p); err != nil {
		return nil, err
	}
	if p.Target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidParams)
	}
	return b.windows.Deliver(c.plugin.ID, p.Target, payloadOrNull(p.Payload)), nil
}

func (b *Bridge) broadcastMessage(c *call) (any, error) {
	var p struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := decode(c.params, &p); err != nil {
		return nil, err
	}
	return b.windows.Broadcast(c.plugin.ID, payloadOrNull(p.Payload)), nil
}

func payloadOrNull(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	return p
}

func decodePermission(params json.RawMessage) (manifest.Permission, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decode(params, &p); err != nil {
		return "", err
	}
	perm := manifest.Permission(p.Name)
	if !perm.IsValid() {
		return "", fmt.Errorf("%w: unknown permission %q", ErrInvalidParams, p.Name)
	}
	return perm, nil
}

func (b *Bridge) permissionCheck(c *call) (any, error) {
	perm, err := decodePermission(c.params)
	if err != nil {
		return nil, err
	}
	return b.permissions.Check(c.plugin.ID, perm), nil
}

func (b *Bridge) permissionRequest(c *call) (any, error) {
	perm, err := decodePermission(c.params)
	if err != nil {
		return nil, err
	}
	granted, err := b.permissions.Request(c.ctx, c.plugin.ID, perm)
	if err != nil {
		return nil, err
	}
	if granted {
		c.plugin.AddPermission(perm)
	}
	return granted, nil
}

func (b *Bridge) clipboardRead(c *call) (any, error) {
	text, err := b.clipboard.ReadText()
	if err != nil {
		return nil, fmt.Errorf("failed to read clipboard: %w", err)
	}
	return text, nil
}

func (b *Bridge) clipboardWrite(c *call) (any, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := decode(c.params, &p); err != nil {
		return nil, err
	}
	if err := b.clipboard.WriteText(p.Text); err != nil {
		return nil, fmt.Errorf("failed to write clipboard: %w", err)
	}
	return true, nil
}
