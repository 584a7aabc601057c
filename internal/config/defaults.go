package config

const (
	defaultNumImages            = 500
	defaultSamplingSeed         = 1
	defaultInferenceEndpoint    = "https://api-inference.huggingface.co/models"
	defaultModel                = "facebook/detr-resnet-50"
	defaultDetectorBatchSize    = 32
	defaultInferenceTimeout     = 120
	defaultConfidenceThreshold  = 0.0
	defaultEmbeddingsModel      = "histogram"
	defaultFeatureModel         = "resnet50.a1_in1k"
	defaultExtractorBatchSize   = 32
	defaultReducer              = "pca"
	defaultReducerDims          = 2
	defaultImageCacheSize       = 200
	defaultAnnotationCacheSize  = 500
	defaultUpdateBatchSize      = 16
	defaultTransformDefinitions = ""
	defaultServerAddr           = "127.0.0.1:8080"
	defaultLogLevel             = "info"
	defaultLogColor             = "auto"

	transformDefinitionEnv = "NRTK_TRANSFORM_DEFINITION"
)
