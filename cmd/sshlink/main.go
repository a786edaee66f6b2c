package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/remoteops/sshlink/internal/config"
	"github.com/remoteops/sshlink/internal/metrics"
	"github.com/remoteops/sshlink/pkg/logger"
	"github.com/remoteops/sshlink/pkg/session"
	"github.com/remoteops/sshlink/pkg/transport"
	"github.com/remoteops/sshlink/pkg/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "path of config")
		host       = flag.String("host", "", "remote host")
		port       = flag.Int("port", 22, "remote port")
		user       = flag.String("user", "root", "remote user")
		password   = flag.String("password", "", "password")
		keyPath    = flag.String("key", "", "path of private key")
		passphrase = flag.String("passphrase", "", "private key passphrase")
		command    = flag.String("cmd", "", "command to execute")
		listPath   = flag.String("ls", "", "remote directory to list")
		upload     = flag.String("upload", "", "upload, local:remote")
		download   = flag.String("download", "", "download, remote:local")
	)
	flag.Parse()

	conf, err := config.NewConfig(*configPath)
	if err != nil {
		panic(err)
	}

	if conf.App.Mode == "dev" {
		logger.SetLevelAndFormat(logger.DebugLevel, &log.TextFormatter{})
	} else {
		logger.SetLevelAndFormat(logger.InfoLevel, &log.TextFormatter{})
	}

	if *host == "" {
		fmt.Println("missing -host")
		flag.Usage()
		os.Exit(2)
	}

	cred := types.Credential{Password: *password, Passphrase: *passphrase}
	if *keyPath != "" {
		keyBytes, err := ioutil.ReadFile(*keyPath)
		if err != nil {
			fail("read key: %v", err)
		}
		cred.KeyBytes = keyBytes
	}

	tr := transport.NewSSHTransport(conf.SSH.DialTimeout(), conf.SSH.BlockSize)
	manager := session.NewManager(tr).Init()
	manager.SetRequestTimeout(conf.SSH.RequestTimeout())
	manager.SetDefaultPty(types.PtyType(conf.SSH.DefaultPty))
	metrics.NewManager(manager).Init()

	conn, err := manager.Connect(*host, *port, *user, cred)
	if err != nil {
		fail("connect %s@%s:%d: %v", *user, *host, *port, err)
	}
	defer conn.Disconnect()
	ok("connected %s@%s:%d", *user, *host, *port)

	if *command != "" {
		out, err := conn.Execute(*command)
		if err != nil {
			fail("exec: %v", err)
		}
		fmt.Print(out)
		ok("exec %q", *command)
	}

	if *listPath != "" {
		entries, err := conn.SftpList(*listPath)
		if err != nil {
			fail("list: %v", err)
		}
		for _, e := range entries {
			kind := "-"
			if e.IsDir {
				kind = "d"
			}
			fmt.Printf("%s %10d %s %s\n", kind, e.Size, e.ModTime.Format("2006-01-02 15:04"), e.Name)
		}
		ok("list %s, %d entries", *listPath, len(entries))
	}

	if *upload != "" {
		local, remote := splitPair(*upload)
		res, err := conn.SftpUpload(local, remote)
		if err != nil {
			fail("upload: %v", err)
		}
		ok("upload %s -> %s, %d bytes", local, remote, res.Bytes)
	}

	if *download != "" {
		remote, local := splitPair(*download)
		res, err := conn.SftpDownload(remote, local)
		if err != nil {
			fail("download: %v", err)
		}
		ok("download %s -> %s, %d bytes", remote, local, res.Bytes)
	}
}

func splitPair(s string) (string, string) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		fail("expected src:dst, got %q", s)
	}
	return parts[0], parts[1]
}

func ok(format string, args ...interface{}) {
	color.Green("ok: "+format, args...)
}

func fail(format string, args ...interface{}) {
	color.Red("failed: "+format, args...)
	os.Exit(1)
}
