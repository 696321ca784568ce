// Package sandbox provides secure code execution capabilities.
//
// The sandbox package runs untrusted code files in disposable containers
// created from a single runtime image. The image is built once, from a
// directory holding a Dockerfile, when the Sandbox is created. Every Run then
// stages the code file in a fresh host directory, bind-mounts it into a
// container, compiles it in one container when the language needs a build
// step, runs it in another with stdin, stdout and stderr attached, enforces
// a wall-clock timeout and removes the containers and the staging directory
// before returning.
//
// Languages are described by a small profile table (see Language); the
// container engine is consumed through the Runtime interface, implemented
// for Docker and for Podman's Docker-compatible API.
//
// Usage:
//
//	rt, err := sandbox.NewDockerRuntime(logger)
//	sb, err := sandbox.New(ctx, logger, rt, "./docker", "sandbox")
//	out, err := sb.Run(ctx, sandbox.RunRequest{
//	    CodeFile: "./hello.py",
//	    Language: sandbox.Python,
//	    Timeout:  3 * time.Second,
//	})
package sandbox
