package cli

import (
	"context"

	"github.com/vbp1/rbdsync/internal/errclass"
	"github.com/vbp1/rbdsync/internal/process"
	"github.com/vbp1/rbdsync/internal/runctx"
	"github.com/vbp1/rbdsync/internal/ssh"
)

// SiteFunc returns the execution site for a login target; "" is the local
// host.
type SiteFunc func(ctx context.Context, target string) (process.Site, error)

// siteFactory builds sites from options, sharing one native connection per
// target and closing them when the run ends.
type siteFactory struct {
	opts   *Options
	ctrl   *runctx.Controller
	native map[string]ssh.Site
}

func (f *siteFactory) site(ctx context.Context, target string) (process.Site, error) {
	if target == "" {
		return process.Local{}, nil
	}
	if f.opts.SSHMode == SSHExec {
		var options []string
		if f.opts.SSHKey != "" {
			options = append(options, "IdentityFile="+f.opts.SSHKey)
		}
		if f.opts.InsecureSSH {
			options = append(options, "StrictHostKeyChecking=no", "UserKnownHostsFile=/dev/null")
		}
		return process.NewSSHLogin(target, append(options, f.opts.SSHOptions...)), nil
	}

	if s, ok := f.native[target]; ok {
		return s, nil
	}
	user, host, err := ssh.ParseTarget(target)
	if err != nil {
		return nil, errclass.Wrap(errclass.Usage, err, "login target")
	}
	client, err := ssh.Dial(ctx, ssh.Config{
		User:     user,
		Host:     host,
		KeyPath:  f.opts.SSHKey,
		Insecure: f.opts.InsecureSSH,
	})
	if err != nil {
		return nil, errclass.Wrap(errclass.Precondition, err, "connect to %s", target)
	}
	f.ctrl.Defer("close ssh "+target, func(context.Context) error { return client.Close() })
	s := ssh.Site{Target: target, Client: client}
	if f.native == nil {
		f.native = map[string]ssh.Site{}
	}
	f.native[target] = s
	return s, nil
}
