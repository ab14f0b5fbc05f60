package deploy

const (
	msgQueued          = "Deployment queued"
	msgLaunching       = "Running provisioning script"
	msgInstanceCreated = "VM instance %s created, waiting for the agent service"
	msgInitializing    = "Deployment initializing. The provisioning script did not report an instance name"
	msgServiceStarting = "VM instance %s is up, agent service is starting"
	msgRunning         = "Deployment complete. Agent service is running on instance %s"
	msgFailed          = "Deployment failed"
	msgMaxWait         = "Deployment presumed complete: the agent did not confirm startup within %s. The instance is probably still running, check it manually"
	msgFallback        = "Deployment presumed complete: no instance was reported within %s. Check the provisioning backend manually"
	msgInterrupted     = "Deployment failed: the service restarted before provisioning began"
	msgExpiredPending  = "Deployment failed: provisioning never started"
)
