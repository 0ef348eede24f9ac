// robind is the Robin SMTP toolkit's runnable server binary. It wires a
// rconfig.Config and a Storage together into a smtpsrv.Server and listens on
// the plain, submission and implicit-TLS sockets.
//
// Building the Config from a config file and parsing CLI flags are external
// collaborators; this binary only reads a handful of environment variables
// as overrides on top of rconfig.Defaults() and wires the rest together
// exactly as a caller embedding this package would.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/missioninbox/robin/internal/maillog"
	"github.com/missioninbox/robin/internal/rconfig"
	"github.com/missioninbox/robin/internal/smtpsrv"
)

func main() {
	log.Init()
	log.Infof("robind starting")

	conf := buildConfig()
	if err := conf.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	initMailLog(os.Getenv("ROBIN_MAILLOG_PATH"))

	storage, err := buildStorage(os.Getenv("ROBIN_DATA_DIR"))
	if err != nil {
		log.Fatalf("setting up storage: %v", err)
	}

	srv, err := smtpsrv.NewServer(conf, storage)
	if err != nil {
		log.Fatalf("building server: %v", err)
	}

	naddr := listenAll(srv, conf)
	if naddr == 0 {
		log.Fatalf("no address to listen on")
	}

	go signalHandler(srv)

	// Block forever; signalHandler exits the process on SIGINT/SIGTERM.
	select {}
}

// buildConfig constructs the server's typed configuration from
// rconfig.Defaults(), overridden by a small set of environment variables.
// This is the "caller" referred to by the Config doc comment: a real
// deployment would instead build this struct from a parsed config file.
func buildConfig() *rconfig.Config {
	conf := rconfig.Defaults()

	if h := os.Getenv("ROBIN_HOSTNAME"); h != "" {
		conf.Hostname = h
	}
	if b := os.Getenv("ROBIN_BIND"); b != "" {
		conf.Bind = b
	}
	if p := os.Getenv("ROBIN_SMTP_PORT"); p != "" {
		conf.SMTPPort = mustAtoi(p)
	}
	if p := os.Getenv("ROBIN_SECURE_PORT"); p != "" {
		conf.SecurePort = mustAtoi(p)
	}
	if p := os.Getenv("ROBIN_SUBMISSION_PORT"); p != "" {
		conf.SubmissionPort = mustAtoi(p)
	}

	if ks := os.Getenv("ROBIN_KEYSTORE"); ks != "" {
		conf.Keystore = ks
	} else {
		// No certificate configured: don't advertise STARTTLS, rather than
		// fail Validate() on a bare default run.
		conf.StartTLS = false
	}

	if relay := os.Getenv("ROBIN_RELAY_ADDR"); relay != "" {
		conf.RelayEnabled = true
		conf.RelayAddr = relay
	}

	conf.Auth = os.Getenv("ROBIN_AUTH") == "1"

	conf.DovecotUserdbPath = os.Getenv("ROBIN_DOVECOT_USERDB_PATH")
	conf.DovecotClientPath = os.Getenv("ROBIN_DOVECOT_CLIENT_PATH")

	return conf
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid integer %q: %v", s, err)
	}
	return n
}

// buildStorage returns a FileStorage rooted at dir, or an in-memory
// MemStorage if dir is empty -- handy for a quick local run.
func buildStorage(dir string) (smtpsrv.Storage, error) {
	if dir == "" {
		log.Infof("no data dir configured, storing messages in memory only")
		return smtpsrv.NewMemStorage(), nil
	}
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("creating data dir %q: %v", dir, err)
	}
	return &smtpsrv.FileStorage{Root: dir}, nil
}

func initMailLog(path string) {
	var err error
	switch path {
	case "", "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	default:
		var f *os.File
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
		if err == nil {
			maillog.Default = maillog.New(f)
		}
	}
	if err != nil {
		log.Fatalf("error opening mail log: %v", err)
	}
}

// listenAll opens the plain SMTP, submission and (if a keystore is
// configured) implicit-TLS sockets, returning how many were successfully
// opened.
func listenAll(srv *smtpsrv.Server, conf *rconfig.Config) int {
	naddr := 0

	if conf.SMTPPort > 0 {
		addr := net.JoinHostPort(conf.Bind, strconv.Itoa(conf.SMTPPort))
		if err := srv.Listen(addr, smtpsrv.ModeSMTP); err != nil {
			log.Errorf("listening on %s (smtp): %v", addr, err)
		} else {
			naddr++
		}
	}

	if conf.SubmissionPort > 0 {
		addr := net.JoinHostPort(conf.Bind, strconv.Itoa(conf.SubmissionPort))
		if err := srv.Listen(addr, smtpsrv.ModeSubmission); err != nil {
			log.Errorf("listening on %s (submission): %v", addr, err)
		} else {
			naddr++
		}
	}

	if conf.Keystore != "" && conf.SecurePort > 0 {
		addr := net.JoinHostPort(conf.Bind, strconv.Itoa(conf.SecurePort))
		if err := srv.Listen(addr, smtpsrv.ModeImplicitTLS); err != nil {
			log.Errorf("listening on %s (implicit TLS): %v", addr, err)
		} else {
			naddr++
		}
	}

	return naddr
}

// signalHandler reopens the logs on SIGHUP for log rotation, and drains the
// server cooperatively on SIGINT/SIGTERM before exiting the process.
func signalHandler(srv *smtpsrv.Server) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Fatalf("error reopening log: %v", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			log.Infof("robind shutting down")
			srv.Shutdown(30 * time.Second)
			os.Exit(0)
		}
	}
}
