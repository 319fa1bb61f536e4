// ABOUTME: URI-scheme dispatch for the definition registry's backing afero.Fs
// ABOUTME: local disk, S3, or SFTP — whatever medium already serves deployment configuration (§9, §5)

package defreg

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	s3fs "github.com/fclairamb/afero-s3"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

// Config holds the credentials needed to open a definitions source that
// isn't a plain local path. Zero value is fine for "file" sources and for
// S3/SFTP sources that rely on ambient credentials (the AWS SDK's default
// credential chain, or an unencrypted id_rsa/id_ed25519/id_ecdsa key under
// $HOME/.ssh).
type Config struct {
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string
	AWSRegion          string

	SSHUser           string
	SSHPassword       string
	SSHPrivateKey     string
	SSHPrivateKeyPath string
	SSHKnownHostsPath string
}

// sourceRef is a parsed definitions-source location: a local path, or a
// uri of the form scheme://host[:port]/path.
type sourceRef struct {
	scheme string // file, s3, sftp, ssh, scp
	host   string
	port   string
	bucket string // S3 only
	path   string
}

func parseSourceRef(location string) (*sourceRef, error) {
	if !strings.Contains(location, "://") {
		return &sourceRef{scheme: "file", path: location}, nil
	}

	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid definitions source %q: %w", location, err)
	}

	ref := &sourceRef{scheme: u.Scheme, host: u.Hostname(), port: u.Port(), path: u.Path}
	if ref.scheme == "s3" {
		ref.bucket = ref.host
		ref.path = strings.TrimPrefix(ref.path, "/")
	}
	return ref, nil
}

// Open resolves location's scheme to a backing afero.Fs and wraps it as a
// definition registry Store. location may be a bare local path, or a
// file://, s3://bucket[/prefix], or sftp://[user@]host[:port][/path] URI.
// For s3 and sftp the path part is parsed but not applied: definitions are
// read relative to the bucket root or the SFTP session's starting
// directory. The user part of an sftp URI is ignored; the SSH user is
// cfg.SSHUser, or $USER when that is empty.
func Open(location string, cfg *Config) (*Store, error) {
	ref, err := parseSourceRef(location)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}

	var fs afero.Fs
	switch ref.scheme {
	case "file", "":
		fs, err = openLocalFs(ref)
	case "s3":
		fs, err = openS3Fs(ref, cfg)
	case "sftp", "ssh", "scp":
		fs, err = openSFTPFs(ref, cfg)
	default:
		return nil, fmt.Errorf("unsupported definitions source scheme %q", ref.scheme)
	}
	if err != nil {
		return nil, err
	}
	return New(fs), nil
}

func openLocalFs(ref *sourceRef) (afero.Fs, error) {
	if ref.path == "" || ref.path == "/" {
		return afero.NewOsFs(), nil
	}
	if err := os.MkdirAll(ref.path, 0o755); err != nil {
		return nil, fmt.Errorf("create definitions root %s: %w", ref.path, err)
	}
	return afero.NewBasePathFs(afero.NewOsFs(), ref.path), nil
}

func openS3Fs(ref *sourceRef, cfg *Config) (afero.Fs, error) {
	if ref.bucket == "" {
		return nil, fmt.Errorf("s3 definitions source must specify a bucket: s3://bucket/prefix")
	}

	awsCfg := &aws.Config{}
	region := cfg.AWSRegion
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	awsCfg.Region = aws.String(region)

	if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.AWSSessionToken)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create AWS session for definitions bucket %s: %w", ref.bucket, err)
	}
	return s3fs.NewFs(ref.bucket, sess), nil
}

func openSFTPFs(ref *sourceRef, cfg *Config) (afero.Fs, error) {
	if ref.host == "" {
		return nil, fmt.Errorf("sftp definitions source must specify a host: sftp://host/path")
	}

	username := cfg.SSHUser
	if username == "" {
		username = os.Getenv("USER")
	}

	sshCfg := &ssh.ClientConfig{
		User: username,
		// TODO: Implement proper host key verification
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	if cfg.SSHPassword != "" {
		sshCfg.Auth = append(sshCfg.Auth, ssh.Password(cfg.SSHPassword))
	}
	if cfg.SSHPrivateKey != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.SSHPrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse SSH private key for definitions source: %w", err)
		}
		sshCfg.Auth = append(sshCfg.Auth, ssh.PublicKeys(signer))
	}
	if cfg.SSHPrivateKeyPath != "" {
		keyBytes, err := os.ReadFile(cfg.SSHPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read SSH private key file %s: %w", cfg.SSHPrivateKeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse SSH private key file %s: %w", cfg.SSHPrivateKeyPath, err)
		}
		sshCfg.Auth = append(sshCfg.Auth, ssh.PublicKeys(signer))
	}
	if len(sshCfg.Auth) == 0 {
		for _, keyPath := range []string{
			os.Getenv("HOME") + "/.ssh/id_rsa",
			os.Getenv("HOME") + "/.ssh/id_ed25519",
			os.Getenv("HOME") + "/.ssh/id_ecdsa",
		} {
			keyBytes, err := os.ReadFile(keyPath)
			if err != nil {
				continue
			}
			if signer, err := ssh.ParsePrivateKey(keyBytes); err == nil {
				sshCfg.Auth = append(sshCfg.Auth, ssh.PublicKeys(signer))
				break
			}
		}
	}
	if len(sshCfg.Auth) == 0 {
		return nil, fmt.Errorf("no SSH authentication method available for definitions source")
	}

	port := ref.port
	if port == "" {
		port = "22"
	}
	conn, err := ssh.Dial("tcp", fmt.Sprintf("%s:%s", ref.host, port), sshCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to definitions SFTP host %s: %w", ref.host, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open SFTP client for definitions source: %w", err)
	}
	return &sftpFs{client: client}, nil
}

// sftpFs adapts an *sftp.Client to afero.Fs, just enough for the
// read/write/mkdir operations the definition registry performs.
type sftpFs struct {
	client *sftp.Client
}

func (fs *sftpFs) Create(name string) (afero.File, error) {
	f, err := fs.client.Create(name)
	if err != nil {
		return nil, err
	}
	return &sftpFile{File: f, client: fs.client, name: name}, nil
}

func (fs *sftpFs) Mkdir(name string, _ os.FileMode) error       { return fs.client.Mkdir(name) }
func (fs *sftpFs) MkdirAll(path string, _ os.FileMode) error    { return fs.client.MkdirAll(path) }
func (fs *sftpFs) Remove(name string) error                     { return fs.client.Remove(name) }
func (fs *sftpFs) RemoveAll(path string) error                  { return fs.client.RemoveAll(path) }
func (fs *sftpFs) Rename(oldname, newname string) error         { return fs.client.Rename(oldname, newname) }
func (fs *sftpFs) Stat(name string) (os.FileInfo, error)        { return fs.client.Stat(name) }
func (fs *sftpFs) Name() string                                 { return "sftpFs" }
func (fs *sftpFs) Chmod(name string, mode os.FileMode) error    { return fs.client.Chmod(name, mode) }
func (fs *sftpFs) Chown(name string, uid, gid int) error        { return fs.client.Chown(name, uid, gid) }
func (fs *sftpFs) Chtimes(name string, atime, mtime time.Time) error {
	return fs.client.Chtimes(name, atime, mtime)
}

func (fs *sftpFs) Open(name string) (afero.File, error) {
	f, err := fs.client.Open(name)
	if err != nil {
		return nil, err
	}
	return &sftpFile{File: f, client: fs.client, name: name}, nil
}

func (fs *sftpFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.client.OpenFile(name, flag)
	if err != nil {
		return nil, err
	}
	return &sftpFile{File: f, client: fs.client, name: name}, nil
}

// sftpFile wraps sftp.File to implement afero.File's directory-listing
// methods, which sftp.File doesn't provide directly.
type sftpFile struct {
	*sftp.File
	client *sftp.Client
	name   string
}

func (f *sftpFile) Readdir(count int) ([]os.FileInfo, error) {
	return f.client.ReadDir(f.name)
}

func (f *sftpFile) Readdirnames(n int) ([]string, error) {
	entries, err := f.client.ReadDir(f.name)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name()
	}
	if n > 0 && len(names) > n {
		names = names[:n]
	}
	return names, nil
}

func (f *sftpFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}
