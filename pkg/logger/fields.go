package logger

// Standard field names for consistent logging.
const (
	FieldService   = "service"
	FieldOperation = "operation"
	FieldError     = "error"
	FieldClassID   = "class_id"
	FieldStudentID = "student_id"
	FieldSessionID = "session_id"
	FieldReportID  = "report_id"
	FieldState     = "state"
)
