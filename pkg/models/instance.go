package models

// InstanceDeployment links a deployment job to the VM it created.
type InstanceDeployment struct {
	JobID        string           `json:"jobId"`
	InstanceName string           `json:"instanceName"`
	Status       DeploymentStatus `json:"status"`
	IsRunning    bool             `json:"isRunning"`
}

// InstanceOverview combines known deployments with the live VM inventory.
type InstanceOverview struct {
	Deployments        []InstanceDeployment `json:"deployments"`
	AvailableInstances []string             `json:"availableInstances"`
}

// TableExport is a CSV dump of one table from an agent's embedded database.
type TableExport struct {
	InstanceName string `json:"instanceName"`
	Table        string `json:"table"`
	Content      string `json:"content"`
	Filename     string `json:"filename"`
	Rows         int    `json:"rows"`
}
