package pipeline

import (
	"strconv"
	"strings"

	"github.com/icarostangent/Fauxdan/pkg/types"
)

const (
	// DefaultMasscanPath is where masscan usually lives.
	DefaultMasscanPath = "/usr/bin/masscan"

	// DefaultExcludeFile lists ranges masscan must never touch.
	DefaultExcludeFile = "masscan/exclude.conf"

	// DefaultRate is the packets-per-second default.
	DefaultRate = 1000
)

// defaultPortGroups covers the major service families scanned when a job
// does not name its own ports.
var defaultPortGroups = []string{
	// HTTP/HTTPS
	"80,443,8080,8443,8888,8000,8081,8082,8083,8084,8085,8086,8087,8088,8089,8090",
	// Databases
	"1433,1434,3306,3307,5432,5433,6379,27017,27018,27019,6380,6381,9200,9300",
	// Mail
	"25,465,587,110,995,143,993",
	// FTP/SFTP/SSH
	"20,21,22,989,990",
	// DNS
	"53,853",
	// Docker
	"2375,2376,2377,4789,7946",
	// Kubernetes
	"6443,8001,8002,10250,10255,10256,2379,2380",
	// Proxies and load balancers
	"3128,8118,9090,9091,9092,8181,8282",
	// SOCKS proxies
	"1080,1081,9050,9051,9150",
	// LDAP
	"389,636",
	// RPC/SMB
	"111,135,139,445,1099,1098",
	// Monitoring
	"161,162,9100,9090,9093,9094",
	// VPN
	"500,4500,1194,1723",
	// NoSQL
	"7000,7001,7199,9042,8087",
	// Message queues
	"5671,5672,15672,61613,61614,61616",
	// Version control
	"9418,443",
	// Remote access
	"3389,5900,5901,5902",
	// Caching
	"11211,11212,11213,11214,11215",
	// Search
	"8983,8984,8985",
	// Dev servers
	"8000,8080,3000,4200,5000,8008,9000",
}

// DefaultPorts is the curated default port list as a masscan argument.
var DefaultPorts = strings.Join(defaultPortGroups, ",")

// Command describes one masscan invocation.
type Command struct {
	Path        string
	Target      string
	Ports       string
	SYN         bool
	TCP         bool
	UDP         bool
	AllPorts    bool
	Resume      bool
	Proxychains bool
	Rate        int
	Wait        int
	ExcludeFile string
}

// NewCommand returns a command with the standard defaults: SYN scan of
// the curated port list, zero wait, exclude file applied.
func NewCommand(target string) *Command {
	return &Command{
		Path:        DefaultMasscanPath,
		Target:      target,
		Ports:       DefaultPorts,
		SYN:         true,
		Rate:        DefaultRate,
		ExcludeFile: DefaultExcludeFile,
	}
}

// CommandForJob maps a primary job's target, ports and options onto a
// masscan command.
func CommandForJob(job *types.PrimaryJob) *Command {
	c := NewCommand(job.Target)
	if len(job.Ports) > 0 {
		ports := make([]string, len(job.Ports))
		for i, p := range job.Ports {
			ports[i] = strconv.Itoa(p)
		}
		c.Ports = strings.Join(ports, ",")
	}
	o := job.Options
	if o.TCP || o.UDP {
		c.SYN = o.SYN
	}
	c.TCP = o.TCP
	c.UDP = o.UDP
	c.AllPorts = o.AllPorts
	c.Resume = o.Resume
	c.Proxychains = o.UseProxychains
	if o.Rate > 0 {
		c.Rate = o.Rate
	}
	return c
}

// Argv returns the program name and arguments. With proxychains enabled
// the program is proxychains and masscan becomes its first argument.
func (c *Command) Argv() (string, []string) {
	var args []string
	if c.Target != "" {
		args = append(args, c.Target)
	}
	if c.UDP {
		args = append(args, "-sU")
	}
	if c.TCP {
		args = append(args, "-sT")
	}
	if c.SYN {
		args = append(args, "-sS")
	}
	if c.AllPorts {
		args = append(args, "--ports", "1-65535")
	} else {
		args = append(args, "--ports", c.Ports)
	}
	args = append(args, "--wait", strconv.Itoa(c.Wait))
	args = append(args, "--rate", strconv.Itoa(c.Rate))
	if c.ExcludeFile != "" {
		args = append(args, "--exclude-file", c.ExcludeFile)
	}
	if c.Resume {
		args = append(args, "--resume")
	}

	if c.Proxychains {
		return "proxychains", append([]string{c.Path}, args...)
	}
	return c.Path, args
}

// String renders the full command line for logging and the scan record.
func (c *Command) String() string {
	name, args := c.Argv()
	return name + " " + strings.Join(args, " ")
}
