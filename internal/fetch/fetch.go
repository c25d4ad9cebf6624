// Package fetch manages blackbox recordings stored on the flight controller:
// listing, metadata, chunked download, deletion and formatting.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"example.com/kolibri/internal/bytecodec"
	"example.com/kolibri/internal/common"
	"example.com/kolibri/internal/msp"
	"example.com/kolibri/internal/session"
)

const (
	maxInfoBatch   = 15
	infoEntryLen   = 17
	initRespLen    = 10
	chunkHeaderLen = 6

	defaultChunkRetries = 4
	defaultChunkTimeout = time.Second
)

var (
	ErrRejected      = errors.New("flight controller rejected the request")
	ErrShortResponse = errors.New("response too short")
)

// Sender is the part of *session.Session the client needs.
type Sender interface {
	SendCommand(ctx context.Context, fn msp.Fn, payload []byte, opts session.SendOptions) (msp.Command, error)
}

// FileInfo describes one recording on the flight controller.
type FileInfo struct {
	Num      uint16        `json:"num"`
	Size     uint32        `json:"size"`
	Version  [3]byte       `json:"version"`
	Start    time.Time     `json:"start"`
	Duration time.Duration `json:"duration"`
}

// Transfer is the answer to BB_FILE_INIT.
type Transfer struct {
	Num       uint16
	Size      uint32
	ChunkSize uint32
}

func (t Transfer) Chunks() uint32 {
	if t.ChunkSize == 0 {
		return 0
	}
	return (t.Size + t.ChunkSize - 1) / t.ChunkSize
}

// Settings mirrors GET_BB_SETTINGS: the logging rate divider and the
// enabled-channel bitmap.
type Settings struct {
	Divider uint8  `json:"divider"`
	Flags   uint64 `json:"flags"`
}

type Client struct {
	sender       Sender
	ChunkRetries int
	ChunkTimeout time.Duration
	Metrics      *common.Metrics
}

func New(s Sender) *Client {
	return &Client{
		sender:       s,
		ChunkRetries: defaultChunkRetries,
		ChunkTimeout: defaultChunkTimeout,
	}
}

func (c *Client) call(ctx context.Context, fn msp.Fn, payload []byte, opts session.SendOptions) ([]byte, error) {
	resp, err := c.sender.SendCommand(ctx, fn, payload, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	if resp.Direction == msp.Error {
		return nil, fmt.Errorf("%s: %w", fn, ErrRejected)
	}
	return resp.Payload, nil
}

// ListFiles returns the recording numbers present on the flash.
func (c *Client) ListFiles(ctx context.Context) ([]uint16, error) {
	p, err := c.call(ctx, msp.FnBBFileList, nil, session.SendOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]uint16, 0, len(p)/2)
	for i := 0; i+1 < len(p); i += 2 {
		out = append(out, uint16(bytecodec.Uint(p, i, 2)))
	}
	return out, nil
}

// FileInfo fetches metadata for nums, batching requests as the firmware
// requires.
func (c *Client) FileInfo(ctx context.Context, nums []uint16) ([]FileInfo, error) {
	var out []FileInfo
	for start := 0; start < len(nums); start += maxInfoBatch {
		end := start + maxInfoBatch
		if end > len(nums) {
			end = len(nums)
		}
		req := make([]byte, 0, 2*(end-start))
		for _, n := range nums[start:end] {
			req = bytecodec.AppendUint(req, 2, uint64(n))
		}
		p, err := c.call(ctx, msp.FnBBFileInfo, req, session.SendOptions{})
		if err != nil {
			return nil, err
		}
		infos, err := parseFileInfo(p)
		if err != nil {
			return nil, err
		}
		out = append(out, infos...)
	}
	return out, nil
}

func parseFileInfo(p []byte) ([]FileInfo, error) {
	if len(p)%infoEntryLen != 0 {
		return nil, fmt.Errorf("file info: %w: %d bytes is not a multiple of %d", ErrShortResponse, len(p), infoEntryLen)
	}
	out := make([]FileInfo, 0, len(p)/infoEntryLen)
	for off := 0; off < len(p); off += infoEntryLen {
		fi := FileInfo{
			Num:      uint16(bytecodec.Uint(p, off, 2)),
			Size:     uint32(bytecodec.Uint(p, off+2, 4)),
			Start:    time.Unix(int64(bytecodec.Uint(p, off+9, 4)), 0).UTC(),
			Duration: time.Duration(bytecodec.Uint(p, off+13, 4)) * time.Millisecond,
		}
		copy(fi.Version[:], p[off+6:off+9])
		out = append(out, fi)
	}
	return out, nil
}

// Init prepares num for download.
func (c *Client) Init(ctx context.Context, num uint16) (Transfer, error) {
	req := bytecodec.AppendUint(nil, 2, uint64(num))
	p, err := c.call(ctx, msp.FnBBFileInit, req, session.SendOptions{})
	if err != nil {
		return Transfer{}, err
	}
	if len(p) < initRespLen {
		return Transfer{}, fmt.Errorf("file init: %w", ErrShortResponse)
	}
	t := Transfer{
		Num:       uint16(bytecodec.Uint(p, 0, 2)),
		Size:      uint32(bytecodec.Uint(p, 2, 4)),
		ChunkSize: uint32(bytecodec.Uint(p, 6, 4)),
	}
	if t.Num != num {
		return Transfer{}, fmt.Errorf("file init: asked for %d, got %d", num, t.Num)
	}
	if t.Size > 0 && t.ChunkSize == 0 {
		return Transfer{}, errors.New("file init: zero chunk size")
	}
	return t, nil
}

// Download streams recording num into w and returns the number of bytes
// written.
func (c *Client) Download(ctx context.Context, num uint16, w io.Writer) (int64, error) {
	t, err := c.Init(ctx, num)
	if err != nil {
		return 0, err
	}
	if c.Metrics != nil {
		c.Metrics.SetTotalBytes(int64(t.Size))
		c.Metrics.Start()
		defer c.Metrics.Stop()
	}
	var written int64
	for chunk := uint32(0); chunk < t.Chunks(); chunk++ {
		want := t.ChunkSize
		if rest := t.Size - chunk*t.ChunkSize; rest < want {
			want = rest
		}
		data, err := c.chunk(ctx, num, chunk)
		if err != nil {
			return written, err
		}
		if uint32(len(data)) < want {
			return written, fmt.Errorf("chunk %d: %w: %d of %d bytes", chunk, ErrShortResponse, len(data), want)
		}
		n, err := w.Write(data[:want])
		written += int64(n)
		if err != nil {
			return written, err
		}
		if c.Metrics != nil {
			c.Metrics.AddBytes(int64(n))
		}
	}
	return written, nil
}

func (c *Client) chunk(ctx context.Context, num uint16, chunk uint32) ([]byte, error) {
	req := bytecodec.AppendUint(nil, 2, uint64(num))
	req = bytecodec.AppendUint(req, 4, uint64(chunk))
	retries := c.ChunkRetries
	if retries <= 0 {
		retries = session.NoRetry
	}
	p, err := c.call(ctx, msp.FnBBFileDownload, req, session.SendOptions{
		Retries:      retries,
		Timeout:      c.ChunkTimeout,
		CallbackData: chunk,
		Verify: func(req, resp msp.Command) bool {
			if resp.Fn != req.Fn {
				return false
			}
			if resp.Direction == msp.Error {
				return true
			}
			return len(resp.Payload) >= chunkHeaderLen &&
				uint16(bytecodec.Uint(resp.Payload, 0, 2)) == num &&
				uint32(bytecodec.Uint(resp.Payload, 2, 4)) == chunk
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", chunk, err)
	}
	return p[chunkHeaderLen:], nil
}

// Delete removes recording num.
func (c *Client) Delete(ctx context.Context, num uint16) error {
	if num > 0xFF {
		return fmt.Errorf("file number %d does not fit the delete request", num)
	}
	_, err := c.call(ctx, msp.FnBBFileDelete, []byte{byte(num)}, session.SendOptions{})
	return err
}

// Format erases every recording. The flash erase is slow, so the timeout is
// generous.
func (c *Client) Format(ctx context.Context) error {
	_, err := c.call(ctx, msp.FnBBFormat, nil, session.SendOptions{Retries: session.NoRetry, Timeout: 30 * time.Second})
	return err
}

// Settings reads the blackbox configuration.
func (c *Client) Settings(ctx context.Context) (Settings, error) {
	p, err := c.call(ctx, msp.FnGetBBSettings, nil, session.SendOptions{})
	if err != nil {
		return Settings{}, err
	}
	if len(p) < 9 {
		return Settings{}, fmt.Errorf("bb settings: %w", ErrShortResponse)
	}
	return Settings{Divider: p[0], Flags: bytecodec.Uint(p, 1, 8)}, nil
}

// SetSettings writes the blackbox configuration.
func (c *Client) SetSettings(ctx context.Context, s Settings) error {
	req := []byte{s.Divider}
	req = bytecodec.AppendUint(req, 8, s.Flags)
	_, err := c.call(ctx, msp.FnSetBBSettings, req, session.SendOptions{})
	return err
}
