package stats

/*
This file defines all the metrics being collected. As new metrics are added please follow this pattern.
*/

const (
	/************************* Executor metrics **************************/
	/*
		number of jobs moved from New to Started by this process
	*/
	ExecutorClaimedCounter = "claimedCounter"

	/*
		number of claim attempts that lost the race to another slot or process
	*/
	ExecutorClaimConflictCounter = "claimConflictCounter"

	/*
		number of jobs ended in Success
	*/
	ExecutorSucceededCounter = "succeededCounter"

	/*
		number of jobs ended in Failure by their own error
	*/
	ExecutorFailedCounter = "failedCounter"

	/*
		number of jobs ended in Broken (unparsable params)
	*/
	ExecutorBrokenCounter = "brokenCounter"

	/*
		number of New jobs failed because a dependency failed
	*/
	ExecutorDependencyFailedCounter = "dependencyFailedCounter"

	/*
		number of transient failures that put a job back to New with a backoff
	*/
	ExecutorRetriedCounter = "retriedCounter"

	/*
		number of jobs put back to New, without a retry, because the executor was stopping
	*/
	ExecutorInterruptedCounter = "interruptedCounter"

	/*
		number of Started jobs reset to New by startup recovery
	*/
	ExecutorRecoveredCounter = "recoveredCounter"

	/*
		number of store operations that failed with an infrastructure error
	*/
	ExecutorStoreErrorCounter = "storeErrorCounter"

	/*
		number of slots currently running a job
	*/
	ExecutorBusySlotsGauge = "busySlotsGauge"

	/*
		time from claim to end of a job step
	*/
	ExecutorJobLatency_ms = "jobLatency_ms"

	/*
		time a job waited for its repository lock
	*/
	ExecutorRepoLockWait_ms = "repoLockWait_ms"

	/*
		number of jobs that gave up waiting for their repository lock
	*/
	ExecutorRepoLockTimeoutCounter = "repoLockTimeoutCounter"

	/*
		change in repository size across a mutating job, in kb, suffixed with the job kind
	*/
	ExecutorRepoDiskUsageKb = "repoDiskUsage_kb"

	/************************* Delta generator metrics **************************/
	/*
		number of deltas requested
	*/
	DeltaRequestCounter = "requestCounter"

	/*
		number of requests refused because the queue was full or the generator stopped
	*/
	DeltaRejectedCounter = "rejectedCounter"

	/*
		number of requests waiting for a worker
	*/
	DeltaQueuedGauge = "queuedGauge"

	/*
		number of registered remote workers
	*/
	DeltaWorkersGauge = "workersGauge"

	/*
		number of requests dispatched to remote workers and not yet answered
	*/
	DeltaInFlightGauge = "inFlightGauge"

	/*
		number of requests being computed locally
	*/
	DeltaLocalGauge = "localGauge"

	/*
		fraction of registered workers computing a delta, 0 with no workers
	*/
	DeltaWorkerUtilizationGauge = "workerUtilizationGauge"

	/*
		deltas a connected worker has computed, scoped worker/<name> and removed when it leaves
	*/
	DeltaWorkerCompletedCounter = "completedCounter"

	/*
		number of in-flight requests put back on the queue after their worker left
	*/
	DeltaRequeuedCounter = "requeuedCounter"

	/*
		number of results ignored because their seq did not match the worker's in-flight request
	*/
	DeltaStaleResultCounter = "staleResultCounter"

	/*
		number of requests failed by the request timeout
	*/
	DeltaTimeoutCounter = "timeoutCounter"

	/*
		number of deltas computed successfully, remotely or locally
	*/
	DeltaSucceededCounter = "succeededCounter"

	/*
		number of deltas that failed to compute
	*/
	DeltaFailedCounter = "failedCounter"

	/*
		number of worker connections that completed the handshake
	*/
	DeltaWorkerConnectedCounter = "workerConnectedCounter"

	/*
		number of worker connections dropped during the handshake
	*/
	DeltaWorkerRejectedCounter = "workerRejectedCounter"

	/*
		time from request to result
	*/
	DeltaLatency_ms = "latency_ms"

	/************************* Remote worker metrics **************************/
	/*
		number of times the worker lost its generator and dialed again
	*/
	WorkerReconnectCounter = "reconnectCounter"

	/*
		deltas computed and reported back
	*/
	WorkerComputedCounter = "computedCounter"

	/*
		deltas whose computation failed
	*/
	WorkerFailedCounter = "failedCounter"

	/*
		time spent in the backend per delta
	*/
	WorkerCompute_ms = "compute_ms"

	/************************* Service metrics **************************/
	/*
		how long the service has been running
	*/
	ServiceUptime_ms = "uptime_ms"
)
