package enum

// CacheKey enumerates the keys C6 writes into the cache and C9 reads from it.
type CacheKey string

const (
	CacheKeyJobs                 CacheKey = "JOBS"
	CacheKeyPods                 CacheKey = "PODS"
	CacheKeyCronjobs             CacheKey = "CRONJOBS"
	CacheKeyDeployments          CacheKey = "DEPLOYMENTS"
	CacheKeyExecutions           CacheKey = "EXECUTIONS"
	CacheKeyVMResources          CacheKey = "VM_RESOURCES"
	CacheKeyConnectionStatus     CacheKey = "CONNECTION_STATUS"
	CacheKeyRPAsProcessed        CacheKey = "RPAS_PROCESSED"
	CacheKeyCronjobsProcessed    CacheKey = "CRONJOBS_PROCESSED"
	CacheKeyDeploymentsProcessed CacheKey = "DEPLOYMENTS_PROCESSED"
)

// Values returns all cache keys written by the polling engine.
func (CacheKey) Values() []string {
	return []string{
		string(CacheKeyJobs),
		string(CacheKeyPods),
		string(CacheKeyCronjobs),
		string(CacheKeyDeployments),
		string(CacheKeyExecutions),
		string(CacheKeyVMResources),
		string(CacheKeyConnectionStatus),
		string(CacheKeyRPAsProcessed),
		string(CacheKeyCronjobsProcessed),
		string(CacheKeyDeploymentsProcessed),
	}
}
