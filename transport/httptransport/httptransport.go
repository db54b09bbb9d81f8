// Package httptransport is a reference transport.Transport built on
// lib/rest and lib/pacer, the same pairing backend/b2's upload.go uses
// (rest.Opts + CallJSON wrapped in f.pacer.Call). It marshals the five
// calls spec.md §6 names but, per spec.md §1, takes an already-authenticated
// *http.Client rather than implementing any vendor's login flow - wiring a
// concrete OAuth/cookie dance is explicitly out of scope for this engine.
package httptransport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/panupload/panupload/digest"
	"github.com/panupload/panupload/fs"
	"github.com/panupload/panupload/fs/fserrors"
	"github.com/panupload/panupload/lib/pacer"
	"github.com/panupload/panupload/lib/rest"
	"github.com/panupload/panupload/transport"
)

// wireError is the JSON error envelope most chunked-upload-style APIs use:
// a numeric error code plus a human message, the Go shape of ErrnoException.
type wireError struct {
	ErrNo int    `json:"errno"`
	Msg   string `json:"error_msg"`
}

// Transport is a reference implementation of transport.Transport.
type Transport struct {
	rest  *rest.Client
	pacer *pacer.Pacer
}

// New creates a Transport rooted at rootURL, issuing requests through
// httpClient (expected to already carry auth, e.g. a cookie jar or an
// oauth2.Transport wired in by the caller).
func New(httpClient *http.Client, rootURL string) *Transport {
	return &Transport{
		rest: rest.NewClient(httpClient, rootURL),
		pacer: pacer.New(
			pacer.CalculatorOption(pacer.NewDefault(
				pacer.MinSleep(100*time.Millisecond),
				pacer.MaxSleep(10*time.Second),
				pacer.DecayConstant(2),
			)),
			// Bounded low-level retry for plain transient network errors
			// within one logical call. The indefinite "keep trying until
			// precreate/finalize succeeds" loop required by spec.md §4.3
			// lives one layer up, in package uploader, which is the one
			// that knows "indefinite" is a protocol-level property and not
			// a generic HTTP retry count.
			pacer.RetriesOption(5),
		),
	}
}

// shouldRetry classifies an error built from the wire envelope the way
// every rclone backend's f.shouldRetry does: a *ProtocolError (a recognized
// wire error code) is fatal and must not be retried; any other error is
// retried. Bare transport-level failures (a dial timeout, a reset
// connection) go through shouldRetryTransportErr instead.
func shouldRetry(err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	if _, ok := transport.IsProtocolError(err); ok {
		return false, err
	}
	return true, err
}

// shouldRetryTransportErr classifies a raw error returned by the HTTP round
// trip itself (before any wire envelope was even decoded), deferring to
// fserrors.ShouldRetry's Temporary() check rather than assuming every
// network hiccup is transient.
func shouldRetryTransportErr(err error) (bool, error) {
	if err == nil {
		return false, nil
	}
	if _, ok := transport.IsProtocolError(err); ok {
		return false, err
	}
	return fserrors.ShouldRetry(err), err
}

// requestID mints a correlation id for one outbound call, attached both as
// an X-Request-Id header the remote can echo back in support logs and to
// the fs.Debugf line bracketing the call, the way every backend's call
// sites tag a log line with the object it concerns.
func requestID() string {
	return uuid.New().String()
}

func requestIDHeader(id string) map[string]string {
	return map[string]string{"X-Request-Id": id}
}

// GetRapidUploadDigests hashes the local file in-process via package digest;
// a remote-backed implementation could instead defer to a previously
// uploaded fingerprint, but this engine doesn't have one to defer to.
func (t *Transport) GetRapidUploadDigests(ctx context.Context, localPath string, progress transport.ProgressFunc) (int64, string, string, string, error) {
	result, err := digest.Compute(ctx, localPath, digest.Known{}, func(read, total int64) {
		if progress != nil {
			progress(read)
		}
	})
	if err != nil {
		return 0, "", "", "", err
	}
	return result.ContentLength, result.ContentCRC32, result.ContentMD5, result.SliceMD5, nil
}

// RapidUpload implements transport.Transport.
func (t *Transport) RapidUpload(ctx context.Context, remotePath string, length int64, md5, crc32, sliceMD5 string, onDup transport.DuplicatePolicy) (transport.ObjectMetadata, error) {
	type request struct {
		Path     string `json:"path"`
		Size     int64  `json:"content-length"`
		MD5      string `json:"content-md5"`
		CRC32    string `json:"content-crc32"`
		SliceMD5 string `json:"slice-md5"`
		OnDup    string `json:"ondup"`
	}
	type response struct {
		wireError
		FsID int64  `json:"fs_id"`
		MD5  string `json:"md5"`
		Size int64  `json:"size"`
	}
	id := requestID()
	fs.Debugf(remotePath, "rapidupload request id=%s", id)
	req := request{Path: remotePath, Size: length, MD5: md5, CRC32: crc32, SliceMD5: sliceMD5, OnDup: string(onDup)}
	var resp response
	err := t.pacer.CallNoRetry(func() (bool, error) {
		httpResp, err := t.rest.CallJSON(ctx, &rest.Opts{Method: "POST", Path: "/rest/2.0/pcs/file?method=rapidupload", ExtraHeaders: requestIDHeader(id)}, req, &resp)
		if httpResp != nil {
			httpResp.Body.Close()
		}
		if err != nil {
			return shouldRetryTransportErr(err)
		}
		if resp.ErrNo != 0 {
			return shouldRetry(&transport.ProtocolError{Code: resp.ErrNo, Message: resp.Msg})
		}
		return false, nil
	})
	if err != nil {
		return transport.ObjectMetadata{}, err
	}
	fs.Debugf(remotePath, "rapidupload request id=%s accepted, fs_id=%d", id, resp.FsID)
	return transport.ObjectMetadata{FsID: resp.FsID, MD5: resp.MD5, Size: resp.Size}, nil
}

// Precreate implements transport.Transport. Within one call the pacer
// retries (up to 5 attempts) a reply with no upload id or a temporary
// network error; the indefinite retry loop lives in package uploader.
func (t *Transport) Precreate(ctx context.Context, remotePath string, sliceCount int64) (transport.PrecreateResult, error) {
	type request struct {
		Path       string `json:"path"`
		SliceCount int64  `json:"block_list_len"`
	}
	type response struct {
		wireError
		UploadID string `json:"uploadid"`
	}
	id := requestID()
	fs.Debugf(remotePath, "precreate request id=%s", id)
	var resp response
	err := t.pacer.Call(func() (bool, error) {
		httpResp, err := t.rest.CallJSON(ctx, &rest.Opts{Method: "POST", Path: "/rest/2.0/pcs/file?method=precreate", ExtraHeaders: requestIDHeader(id)}, request{Path: remotePath, SliceCount: sliceCount}, &resp)
		if httpResp != nil {
			httpResp.Body.Close()
		}
		if err != nil {
			return shouldRetryTransportErr(err)
		}
		if resp.ErrNo != 0 {
			return shouldRetry(&transport.ProtocolError{Code: resp.ErrNo, Message: resp.Msg})
		}
		if resp.UploadID == "" {
			return true, errors.New("httptransport: precreate returned no upload id")
		}
		return false, nil
	})
	if err != nil {
		return transport.PrecreateResult{}, err
	}
	fs.Debugf(remotePath, "precreate request id=%s session=%s", id, resp.UploadID)
	return transport.PrecreateResult{UploadSessionID: resp.UploadID}, nil
}

// UploadSlice implements transport.Transport. It does not retry internally
// on an empty identifier: spec.md §4.2 requires the caller to retry without
// advancing i, and the caller (package uploader) is what tracks i.
func (t *Transport) UploadSlice(ctx context.Context, in io.Reader, remotePath, sessionID string, index int, progress transport.ProgressFunc) (string, error) {
	buf, err := io.ReadAll(io.LimitReader(in, digest.SliceSize))
	if err != nil {
		return "", errors.Wrap(err, "httptransport: read slice")
	}
	size := int64(len(buf))
	type response struct {
		wireError
		MD5 string `json:"md5"`
	}
	id := requestID()
	fs.Debugf(remotePath, "upload slice request id=%s index=%d", id, index)
	var resp response
	err = t.pacer.CallNoRetry(func() (bool, error) {
		body := &countingReader{r: bytes.NewReader(buf), progress: progress}
		httpResp, err := t.rest.CallJSON(ctx, &rest.Opts{
			Method:        "POST",
			Path:          "/rest/2.0/pcs/superfile2?method=upload",
			Body:          body,
			ContentLength: &size,
			Parameters:    map[string][]string{"uploadid": {sessionID}, "partseq": {strconv.Itoa(index)}},
			ExtraHeaders:  requestIDHeader(id),
		}, nil, &resp)
		if httpResp != nil {
			httpResp.Body.Close()
		}
		if err != nil {
			return shouldRetryTransportErr(err)
		}
		if resp.ErrNo != 0 {
			return shouldRetry(&transport.ProtocolError{Code: resp.ErrNo, Message: resp.Msg})
		}
		return false, nil
	})
	if err != nil {
		return "", err
	}
	// An empty MD5 means the remote accepted the bytes but assigned no
	// identifier yet; the uploader must retry this same index.
	fs.Debugf(remotePath, "upload slice request id=%s index=%d accepted=%v", id, index, resp.MD5 != "")
	return resp.MD5, nil
}

// CreateSuperFile implements transport.Transport.
func (t *Transport) CreateSuperFile(ctx context.Context, remotePath, sessionID string, sliceIDs []string, length int64) (transport.ObjectMetadata, error) {
	type request struct {
		Path     string   `json:"path"`
		UploadID string   `json:"uploadid"`
		BlockList []string `json:"block_list"`
	}
	type response struct {
		wireError
		FsID int64  `json:"fs_id"`
		MD5  string `json:"md5"`
		Size int64  `json:"size"`
	}
	id := requestID()
	fs.Debugf(remotePath, "createsuperfile request id=%s", id)
	var resp response
	err := t.pacer.Call(func() (bool, error) {
		httpResp, err := t.rest.CallJSON(ctx, &rest.Opts{Method: "POST", Path: "/rest/2.0/pcs/file?method=createsuperfile", ExtraHeaders: requestIDHeader(id)}, request{Path: remotePath, UploadID: sessionID, BlockList: sliceIDs}, &resp)
		if httpResp != nil {
			httpResp.Body.Close()
		}
		if err != nil {
			return shouldRetryTransportErr(err)
		}
		if resp.ErrNo != 0 {
			return shouldRetry(&transport.ProtocolError{Code: resp.ErrNo, Message: resp.Msg})
		}
		if resp.FsID == 0 {
			return true, nil // "retry me"
		}
		return false, nil
	})
	if err != nil {
		return transport.ObjectMetadata{}, err
	}
	// length is verified by the caller (package uploader) against resp.Size,
	// not here - this transport only marshals the call.
	fs.Debugf(remotePath, "createsuperfile request id=%s fs_id=%d", id, resp.FsID)
	return transport.ObjectMetadata{FsID: resp.FsID, MD5: resp.MD5, Size: resp.Size}, nil
}

// countingReader reports progress as it's read, the same tee-for-progress
// idiom fs.AccountPart uses around an upload body in backend/b2/upload.go.
type countingReader struct {
	r        io.Reader
	read     int64
	progress transport.ProgressFunc
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.read += int64(n)
		if c.progress != nil {
			c.progress(c.read)
		}
	}
	return n, err
}
