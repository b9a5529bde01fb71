package authflow

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"runtime"
	"syscall"
	"time"
)

// LockfileData identifies the process currently running the interactive
// authorization for a server.
type LockfileData struct {
	PID       int   `json:"pid"`
	Port      int   `json:"port"`
	Timestamp int64 `json:"timestamp"`
}

// CreateLockfile records this process as the one handling authorization for
// the server.
func CreateLockfile(serverURLHash string, pid, port int, timestamp int64) error {
	return writeJSONFile(serverURLHash, lockFile, LockfileData{
		PID:       pid,
		Port:      port,
		Timestamp: timestamp,
	})
}

// CheckLockfile reads the server's lockfile, nil when none exists.
func CheckLockfile(serverURLHash string) (*LockfileData, error) {
	return readJSONFile[LockfileData](serverURLHash, lockFile)
}

// DeleteLockfile removes the server's lockfile.
func DeleteLockfile(serverURLHash string) error {
	return deleteCredentialFile(serverURLHash, lockFile)
}

// isPidRunning checks whether a process with the given PID exists. On
// Windows the check is unreliable, so it conservatively reports false and
// the lockfile is treated as stale.
func isPidRunning(pid int) bool {
	if runtime.GOOS == "windows" {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 probes for existence without delivering anything.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// IsLockValid reports whether the lockfile points at a live authorization
// run: recent enough, owning process alive, and its wait endpoint reachable.
func IsLockValid(lockData *LockfileData) bool {
	const maxLockAge = 30 * 60 * 1000 // 30 minutes
	if time.Now().UnixMilli()-lockData.Timestamp > maxLockAge {
		log.Println("Lockfile is too old")
		return false
	}

	if !isPidRunning(lockData.PID) {
		log.Println("Process from lockfile is not running")
		return false
	}

	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/wait-for-auth", lockData.Port))
	if err != nil {
		log.Printf("Error connecting to auth server: %v", err)
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted
}

// WaitForAuthentication polls another instance's wait endpoint until that
// instance finishes the authorization. Returns true on completion, false
// when the other instance becomes unreachable or answers unexpectedly.
func WaitForAuthentication(port int) bool {
	log.Printf("Waiting for authentication from the server on port %d...", port)

	client := &http.Client{Timeout: 10 * time.Second}

	for {
		resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/wait-for-auth", port))
		if err != nil {
			log.Printf("Error waiting for authentication: %v", err)
			return false
		}

		status := resp.StatusCode
		resp.Body.Close()

		switch status {
		case http.StatusOK:
			log.Println("Authentication completed by other instance")
			return true
		case http.StatusAccepted:
			time.Sleep(time.Second)
		default:
			log.Printf("Unexpected response status: %d", status)
			return false
		}
	}
}

// CoordinationResult tells the caller whether this process should run the
// interactive authorization itself or reuse credentials another process
// just persisted.
type CoordinationResult struct {
	// SkipBrowserAuth is true when another instance completed the
	// authorization and fresh credentials are already on disk.
	SkipBrowserAuth bool
}

// CoordinateAuth ensures only one process per server runs the interactive
// authorization. When a valid lockfile points at a live run, this process
// waits for that run to finish instead of starting its own; otherwise it
// claims the lockfile. The caller must call ReleaseAuth when done.
func CoordinateAuth(serverURLHash string, callbackPort int) (*CoordinationResult, error) {
	var lockData *LockfileData
	var err error
	if runtime.GOOS != "windows" {
		lockData, err = CheckLockfile(serverURLHash)
		if err != nil {
			log.Printf("Error checking lockfile: %v", err)
		}
	}

	if lockData != nil && IsLockValid(lockData) {
		log.Printf("Another instance is handling authentication on port %d", lockData.Port)

		if WaitForAuthentication(lockData.Port) {
			return &CoordinationResult{SkipBrowserAuth: true}, nil
		}
		log.Println("Taking over authentication process...")
	} else if lockData != nil {
		log.Println("Found invalid lockfile, deleting it")
		if err := DeleteLockfile(serverURLHash); err != nil {
			log.Printf("Error deleting lockfile: %v", err)
		}
	}

	log.Printf("Creating lockfile for server %s with process %d on port %d", serverURLHash, os.Getpid(), callbackPort)
	if err := CreateLockfile(serverURLHash, os.Getpid(), callbackPort, time.Now().UnixMilli()); err != nil {
		log.Printf("Error creating lockfile: %v", err)
	}

	return &CoordinationResult{SkipBrowserAuth: false}, nil
}

// ReleaseAuth removes this process's lockfile claim.
func ReleaseAuth(serverURLHash string) {
	if err := DeleteLockfile(serverURLHash); err != nil {
		log.Printf("Error cleaning up lockfile: %v", err)
	}
}
