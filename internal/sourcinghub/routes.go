package sourcinghub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/wneessen/go-mail"
	"golang.org/x/crypto/ssh"
)

const (
	RouteLocal = "local"
	RouteEmail = "email"
	RouteSFTP  = "sftp"
)

// RouteBackend dispatches a built archive to its destination and returns a
// location reference for the stored package.
type RouteBackend interface {
	Name() string
	Deliver(ctx context.Context, pkg *SubmissionPackage, archive []byte) (string, error)
}

// LocalRoute writes archives under Dir/<tenant>/submission_<id>.zip.
type LocalRoute struct {
	Dir string
}

func NewLocalRoute(dir string) *LocalRoute {
	return &LocalRoute{Dir: dir}
}

func (r *LocalRoute) Name() string { return RouteLocal }

func (r *LocalRoute) Deliver(_ context.Context, pkg *SubmissionPackage, archive []byte) (string, error) {
	dir := filepath.Join(r.Dir, pkg.TenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &DeliveryError{Route: RouteLocal, Retryable: true, Err: err}
	}
	target := filepath.Join(dir, "submission_"+pkg.ID+".zip")
	if err := os.WriteFile(target, archive, 0o644); err != nil {
		return "", &DeliveryError{Route: RouteLocal, Retryable: true, Err: err}
	}
	return "local:" + target, nil
}

type EmailRouteOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailRoute sends the archive as a mail attachment over SMTP.
type EmailRoute struct {
	opts EmailRouteOptions
}

func NewEmailRoute(opts EmailRouteOptions) *EmailRoute {
	if opts.Port <= 0 {
		opts.Port = 587
	}
	return &EmailRoute{opts: opts}
}

func (r *EmailRoute) Name() string { return RouteEmail }

func (r *EmailRoute) Deliver(ctx context.Context, pkg *SubmissionPackage, archive []byte) (string, error) {
	msg := mail.NewMsg()
	if err := msg.From(r.opts.From); err != nil {
		return "", &DeliveryError{Route: RouteEmail, Retryable: false, Err: fmt.Errorf("invalid sender: %w", err)}
	}
	if err := msg.To(r.opts.To...); err != nil {
		return "", &DeliveryError{Route: RouteEmail, Retryable: false, Err: fmt.Errorf("invalid recipients: %w", err)}
	}
	msg.Subject(fmt.Sprintf("Submission Pack %s", pkg.ID))
	msg.SetBodyString(mail.TypeTextPlain,
		fmt.Sprintf("Submission package %s for tenant %s is attached.", pkg.ID, pkg.TenantID))
	if err := msg.AttachReader(pkg.ID+".zip", bytes.NewReader(archive)); err != nil {
		return "", &DeliveryError{Route: RouteEmail, Retryable: false, Err: fmt.Errorf("attach archive: %w", err)}
	}

	clientOpts := []mail.Option{
		mail.WithPort(r.opts.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if r.opts.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(r.opts.Username),
			mail.WithPassword(r.opts.Password),
		)
	}
	client, err := mail.NewClient(r.opts.Host, clientOpts...)
	if err != nil {
		return "", &DeliveryError{Route: RouteEmail, Retryable: false, Err: fmt.Errorf("smtp client: %w", err)}
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return "", &DeliveryError{Route: RouteEmail, Retryable: mailErrorRetryable(err), Err: err}
	}
	return "email:" + strings.Join(r.opts.To, ","), nil
}

// mailErrorRetryable distinguishes temporary SMTP failures (4xx, connection
// problems) from permanent rejections (5xx).
func mailErrorRetryable(err error) bool {
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		return sendErr.IsTemp()
	}
	return true
}

type SFTPRouteOptions struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte
	BaseDir    string
	HostKey    ssh.HostKeyCallback
}

// SFTPRoute uploads archives to BaseDir/<tenant>/<id>.zip on the remote host.
type SFTPRoute struct {
	opts SFTPRouteOptions
}

func NewSFTPRoute(opts SFTPRouteOptions) *SFTPRoute {
	if opts.Port <= 0 {
		opts.Port = 22
	}
	if strings.TrimSpace(opts.BaseDir) == "" {
		opts.BaseDir = "/inbound"
	}
	if opts.HostKey == nil {
		opts.HostKey = ssh.InsecureIgnoreHostKey()
	}
	return &SFTPRoute{opts: opts}
}

func (r *SFTPRoute) Name() string { return RouteSFTP }

func (r *SFTPRoute) Deliver(ctx context.Context, pkg *SubmissionPackage, archive []byte) (string, error) {
	auth := make([]ssh.AuthMethod, 0, 2)
	if len(r.opts.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(r.opts.PrivateKey)
		if err != nil {
			return "", &DeliveryError{Route: RouteSFTP, Retryable: false, Err: fmt.Errorf("parse private key: %w", err)}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if r.opts.Password != "" {
		auth = append(auth, ssh.Password(r.opts.Password))
	}
	if len(auth) == 0 {
		return "", &DeliveryError{Route: RouteSFTP, Retryable: false, Err: fmt.Errorf("no sftp credentials configured")}
	}
	config := &ssh.ClientConfig{
		User:            r.opts.Username,
		Auth:            auth,
		HostKeyCallback: r.opts.HostKey,
		Timeout:         15 * time.Second,
	}

	addr := net.JoinHostPort(r.opts.Host, strconv.Itoa(r.opts.Port))
	dialer := &net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", &DeliveryError{Route: RouteSFTP, Retryable: true, Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		retryable := !strings.Contains(err.Error(), "unable to authenticate")
		return "", &DeliveryError{Route: RouteSFTP, Retryable: retryable, Err: fmt.Errorf("ssh handshake: %w", err)}
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return "", &DeliveryError{Route: RouteSFTP, Retryable: true, Err: fmt.Errorf("sftp session: %w", err)}
	}
	defer client.Close()

	dir := path.Join(r.opts.BaseDir, pkg.TenantID)
	if err := client.MkdirAll(dir); err != nil {
		return "", &DeliveryError{Route: RouteSFTP, Retryable: true, Err: fmt.Errorf("mkdir %s: %w", dir, err)}
	}
	remotePath := path.Join(dir, pkg.ID+".zip")
	f, err := client.Create(remotePath)
	if err != nil {
		return "", &DeliveryError{Route: RouteSFTP, Retryable: true, Err: fmt.Errorf("create %s: %w", remotePath, err)}
	}
	if _, err := f.Write(archive); err != nil {
		f.Close()
		return "", &DeliveryError{Route: RouteSFTP, Retryable: true, Err: fmt.Errorf("write %s: %w", remotePath, err)}
	}
	if err := f.Close(); err != nil {
		return "", &DeliveryError{Route: RouteSFTP, Retryable: true, Err: fmt.Errorf("close %s: %w", remotePath, err)}
	}
	return "sftp://" + r.opts.Host + remotePath, nil
}
