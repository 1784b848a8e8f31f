package extractor

// UnknownMIME is reported when no table entry or magic bytes apply
const UnknownMIME = "unknown"

// mimeTypes maps lowercased extensions to their conventional MIME type
var mimeTypes = map[string]string{
	// images
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".ico":  "image/vnd.microsoft.icon",
	".tif":  "image/tiff",
	".tiff": "image/tiff",

	// documents
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
	".rtf":  "application/rtf",
	".odt":  "application/vnd.oasis.opendocument.text",

	// spreadsheets
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".csv":  "text/csv",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",

	// presentations
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".odp":  "application/vnd.oasis.opendocument.presentation",

	// archives
	".zip": "application/zip",
	".rar": "application/vnd.rar",
	".7z":  "application/x-7z-compressed",
	".tar": "application/x-tar",
	".gz":  "application/gzip",

	// executables and installers
	".exe": "application/vnd.microsoft.portable-executable",
	".bat": "application/x-msdos-program",
	".cmd": "application/x-msdos-program",
	".com": "application/x-msdos-program",
	".vbs": "text/vbscript",
	".js":  "text/javascript",
	".jar": "application/java-archive",
	".deb": "application/vnd.debian.binary-package",
	".dmg": "application/x-apple-diskimage",
	".iso": "application/x-iso9660-image",
	".msi": "application/x-msdownload",
	".sh":  "application/x-sh",

	// text and markup
	".log":  "text/plain",
	".md":   "text/markdown",
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".xml":  "application/xml",
	".json": "application/json",
	".yaml": "application/x-yaml",
	".yml":  "application/x-yaml",
	".conf": "text/plain",
	".cfg":  "text/plain",
	".ini":  "text/plain",
	".py":   "text/x-python",

	// media
	".mp3": "audio/mpeg",
	".wav": "audio/x-wav",
	".mp4": "video/mp4",
}

// GuessMIME returns the MIME type implied by an extension, or UnknownMIME
func GuessMIME(ext string) string {
	if mime, ok := mimeTypes[ext]; ok {
		return mime
	}
	return UnknownMIME
}
