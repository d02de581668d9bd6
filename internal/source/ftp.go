package source

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-attribution/internal/config"
	"github.com/sells-group/cost-attribution/internal/resilience"
)

// FTPOptions configures the FTP client.
type FTPOptions struct {
	Timeout time.Duration
	Retry   resilience.RetryConfig
}

// FTPOptionsFromConfig maps source configuration onto FTPOptions.
func FTPOptionsFromConfig(cfg config.SourceConfig) FTPOptions {
	return FTPOptions{Timeout: cfg.Timeout(), Retry: resilience.FromSourceConfig(cfg)}
}

// FTPClient downloads export files dropped on an FTP server. Credentials
// come from the URL user info; without them the login is anonymous.
type FTPClient struct {
	opts FTPOptions
}

// NewFTPClient creates an FTPClient with the given options.
func NewFTPClient(opts FTPOptions) *FTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &FTPClient{opts: opts}
}

type ftpTarget struct {
	host     string
	path     string
	user     string
	password string
}

func parseFTPURL(rawURL string) (ftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ftpTarget{}, eris.Wrap(err, "source: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return ftpTarget{}, eris.Errorf("source: expected ftp scheme, got %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		return ftpTarget{}, eris.New("source: empty path in ftp url")
	}

	t := ftpTarget{host: u.Host, path: u.Path, user: "anonymous", password: "anonymous@"}
	if _, _, splitErr := net.SplitHostPort(t.host); splitErr != nil {
		t.host = net.JoinHostPort(t.host, "21")
	}
	if u.User != nil {
		t.user = u.User.Username()
		t.password, _ = u.User.Password()
	}
	return t, nil
}

// ftpBody closes the transfer and the control connection together.
type ftpBody struct {
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (b *ftpBody) Read(p []byte) (int, error) {
	return b.resp.Read(p)
}

func (b *ftpBody) Close() error {
	respErr := b.resp.Close()
	quitErr := b.conn.Quit()
	if respErr != nil {
		return eris.Wrap(respErr, "source: close ftp transfer")
	}
	if quitErr != nil {
		return eris.Wrap(quitErr, "source: quit ftp connection")
	}
	return nil
}

// Download retrieves the file at rawURL. Dial failures are retried; a
// rejected login or a missing file is not. The caller must close the body.
func (c *FTPClient) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	target, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "source.ftp"), zap.String("host", target.host))

	return resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) (io.ReadCloser, error) {
		log.Debug("connecting", zap.String("path", target.path))
		conn, err := ftp.Dial(target.host, ftp.DialWithTimeout(c.opts.Timeout), ftp.DialWithContext(ctx))
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "source: ftp dial"), 0)
		}
		if err := conn.Login(target.user, target.password); err != nil {
			_ = conn.Quit()
			return nil, eris.Wrap(err, "source: ftp login")
		}
		resp, err := conn.Retr(target.path)
		if err != nil {
			_ = conn.Quit()
			return nil, eris.Wrapf(err, "source: ftp retrieve %s", target.path)
		}
		return &ftpBody{resp: resp, conn: conn}, nil
	})
}

// DownloadToFile retrieves rawURL into path. Returns bytes written.
func (c *FTPClient) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	body, err := c.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "source: create file")
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, body)
	if err != nil {
		return n, eris.Wrap(err, "source: write file")
	}
	return n, nil
}
